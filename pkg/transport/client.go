package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/frestq/frestq/pkg/config"
	"github.com/frestq/frestq/pkg/log"
	"github.com/frestq/frestq/pkg/metrics"
	"github.com/frestq/frestq/pkg/security"
	"github.com/frestq/frestq/pkg/storage"
	"github.com/frestq/frestq/pkg/types"
	"github.com/frestq/frestq/pkg/wire"
)

const sendTimeout = 30 * time.Second

// Client sends RESTQP messages to receiver nodes. Every send persists the
// outbound message before the request leaves the process, then records the
// response status and the receiver's TLS certificate on the same row. Sends
// are not retried.
type Client struct {
	cfg   *config.Config
	store storage.Store
	http  *http.Client
}

// NewClient builds the outbound client. When TLS credentials are configured
// the client presents the node certificate on every request.
func NewClient(cfg *config.Config, store storage.Store) (*Client, error) {
	transport := &http.Transport{}
	if cfg.TLSEnabled() {
		tlsCfg, err := security.ClientTLSConfig(cfg.SSLCertPath, cfg.SSLKeyPath, cfg.SSLCAListPath)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tlsCfg
	}
	return &Client{
		cfg:   cfg,
		store: store,
		http:  &http.Client{Transport: transport, Timeout: sendTimeout},
	}, nil
}

// Send persists and delivers one message. It fills in the message identity
// fields, POSTs the envelope to the receiver's queue endpoint, and records
// the response status plus the receiver certificate. The updated message is
// left in msg. A non-2xx response is returned as an error after being
// recorded.
func (c *Client) Send(ctx context.Context, msg *types.Message) error {
	msg.ID = uuid.New().String()
	msg.SenderURL = c.cfg.RootURL
	msg.SenderSSLCert = c.cfg.SSLCertString
	msg.IsReceived = false
	msg.CreatedDate = time.Now().UTC()

	if err := c.store.CreateMessage(ctx, msg); err != nil {
		return fmt.Errorf("failed to persist outbound message: %w", err)
	}

	envelope := &wire.Envelope{
		MessageID:      msg.ID,
		Action:         msg.Action,
		SenderURL:      msg.SenderURL,
		Data:           msg.InputData,
		TaskID:         msg.TaskID,
		PingbackDate:   wire.FromTime(msg.PingbackDate),
		ExpirationDate: wire.FromTime(msg.ExpirationDate),
		Info:           msg.InfoText,
	}
	body, err := wire.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to encode message envelope: %w", err)
	}

	url := queueURL(msg.ReceiverURL, msg.QueueName)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	logger := log.WithMessageID(msg.ID)
	logger.Debug().Str("url", url).Str("action", msg.Action).Msg("sending message")

	resp, err := c.http.Do(req)
	if err != nil {
		msg.OutputStatus = 0
		if updateErr := c.store.UpdateMessage(ctx, msg); updateErr != nil {
			logger.Error().Err(updateErr).Msg("failed to record send failure")
		}
		metrics.MessagesSent.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to send message to %s: %w", url, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	msg.OutputStatus = resp.StatusCode
	if resp.TLS != nil && len(resp.TLS.PeerCertificates) > 0 {
		msg.ReceiverSSLCert = security.CertToPEM(resp.TLS.PeerCertificates[0])
	}
	if err := c.store.UpdateMessage(ctx, msg); err != nil {
		return fmt.Errorf("failed to record message response: %w", err)
	}
	metrics.MessagesSent.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("receiver %s returned status %d for action %s",
			url, resp.StatusCode, msg.Action)
	}
	return nil
}

// queueURL joins a receiver root URL with a queue name. The trailing slash
// is part of the RESTQP endpoint.
func queueURL(receiverURL, queue string) string {
	return strings.TrimSuffix(receiverURL, "/") + "/" + queue + "/"
}
