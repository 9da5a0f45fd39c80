package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/frestq/frestq/pkg/config"
	"github.com/frestq/frestq/pkg/log"
	"github.com/frestq/frestq/pkg/metrics"
	"github.com/frestq/frestq/pkg/registry"
	"github.com/frestq/frestq/pkg/security"
	"github.com/frestq/frestq/pkg/storage"
	"github.com/frestq/frestq/pkg/types"
	"github.com/frestq/frestq/pkg/wire"
)

// maxEnvelopeBytes bounds the request body read by the ingress.
const maxEnvelopeBytes = 16 << 20

// Dispatcher hands an accepted message to the engine for execution on its
// queue's worker pool. Implemented by the engine; the indirection keeps the
// HTTP surface free of execution semantics.
type Dispatcher interface {
	Dispatch(desc *registry.Descriptor, msg *types.Message) error
}

// Ingress is the inbound RESTQP endpoint. It validates envelopes, applies
// the peer-certificate checks, persists each accepted message and submits
// it for asynchronous execution. The HTTP response never carries a body;
// results flow back as separate messages.
type Ingress struct {
	cfg        *config.Config
	store      storage.Store
	registry   *registry.Registry
	dispatcher Dispatcher
}

// NewIngress builds the inbound endpoint.
func NewIngress(cfg *config.Config, store storage.Store, reg *registry.Registry, dispatcher Dispatcher) *Ingress {
	return &Ingress{
		cfg:        cfg,
		store:      store,
		registry:   reg,
		dispatcher: dispatcher,
	}
}

// Register mounts the queue endpoint on a mux.
func (in *Ingress) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/queues/{queue}/{$}", in.handlePost)
}

func (in *Ingress) handlePost(w http.ResponseWriter, r *http.Request) {
	queue := r.PathValue("queue")
	logger := log.WithQueue(queue)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxEnvelopeBytes))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	var envelope wire.Envelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		logger.Warn().Err(err).Msg("rejecting unparseable envelope")
		http.Error(w, "invalid JSON envelope", http.StatusBadRequest)
		return
	}
	if envelope.MessageID == "" || envelope.Action == "" || envelope.SenderURL == "" {
		logger.Warn().Str("action", envelope.Action).Msg("rejecting incomplete envelope")
		http.Error(w, "message_id, action and sender_url are required", http.StatusBadRequest)
		return
	}

	senderCert := in.senderCert(r)
	enforce := in.cfg.TLSEnabled() || in.cfg.AllowOnlySSLConnections
	if in.cfg.AllowOnlySSLConnections && senderCert == "" {
		http.Error(w, "client certificate required", http.StatusForbidden)
		return
	}

	// A message claiming to come from this node must present this node's
	// own certificate, otherwise any peer could forge local-only actions.
	if envelope.SenderURL == in.cfg.RootURL {
		differ, err := security.CertsDiffer(senderCert, in.cfg.SSLCertString, enforce)
		if err != nil || differ {
			logger.Warn().Str("message_id", envelope.MessageID).
				Msg("rejecting forged local message")
			http.Error(w, "sender certificate mismatch", http.StatusForbidden)
			return
		}
	}

	desc := in.registry.Lookup(envelope.Action, queue)
	if desc != nil && desc.LocalOnly {
		differ, err := security.CertsDiffer(senderCert, in.cfg.SSLCertString, enforce)
		if err != nil || differ || envelope.SenderURL != in.cfg.RootURL {
			http.Error(w, "action is restricted to the local node", http.StatusForbidden)
			return
		}
	}

	// A loopback message was already persisted by the outbound client, and
	// message ids are unique; reuse that row instead of inserting again.
	var msg *types.Message
	if envelope.SenderURL == in.cfg.RootURL {
		existing, err := in.store.GetMessage(r.Context(), envelope.MessageID)
		switch {
		case err == nil:
			msg = existing
		case !errors.Is(err, storage.ErrNotFound):
			logger.Error().Err(err).Msg("failed to load local message")
			http.Error(w, "failed to load message", http.StatusInternalServerError)
			return
		}
	}
	if msg == nil {
		msg = &types.Message{
			ID:             envelope.MessageID,
			SenderURL:      envelope.SenderURL,
			QueueName:      queue,
			IsReceived:     true,
			ReceiverURL:    in.cfg.RootURL,
			SenderSSLCert:  senderCert,
			CreatedDate:    time.Now().UTC(),
			Action:         envelope.Action,
			InputData:      envelope.Data,
			OutputStatus:   http.StatusOK,
			PingbackDate:   wire.ToTime(envelope.PingbackDate),
			ExpirationDate: wire.ToTime(envelope.ExpirationDate),
			InfoText:       envelope.Info,
			TaskID:         envelope.TaskID,
		}
		if err := in.store.CreateMessage(r.Context(), msg); err != nil {
			logger.Error().Err(err).Msg("failed to persist inbound message")
			http.Error(w, "failed to persist message", http.StatusInternalServerError)
			return
		}
	}
	metrics.MessagesReceived.WithLabelValues(queue).Inc()

	if desc == nil {
		logger.Warn().Str("action", envelope.Action).Msg("no handler for action")
		http.Error(w, "unknown action for queue", http.StatusNotFound)
		return
	}

	if err := in.dispatcher.Dispatch(desc, msg); err != nil {
		logger.Error().Err(err).Str("action", envelope.Action).
			Msg("failed to dispatch message")
		http.Error(w, "failed to dispatch message", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// senderCert extracts the peer certificate, preferring the TLS connection
// state over the proxy header.
func (in *Ingress) senderCert(r *http.Request) string {
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		return security.CertToPEM(r.TLS.PeerCertificates[0])
	}
	if header := r.Header.Get(in.cfg.SenderCertHeader); header != "" {
		return security.StripHeaderCert(header)
	}
	return ""
}
