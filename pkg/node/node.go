// Package node assembles a frestq node: store, registry, worker pools,
// engine, activity log and the HTTP server.
package node

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/frestq/frestq/pkg/config"
	"github.com/frestq/frestq/pkg/engine"
	"github.com/frestq/frestq/pkg/events"
	"github.com/frestq/frestq/pkg/log"
	"github.com/frestq/frestq/pkg/metrics"
	"github.com/frestq/frestq/pkg/registry"
	"github.com/frestq/frestq/pkg/scheduler"
	"github.com/frestq/frestq/pkg/security"
	"github.com/frestq/frestq/pkg/storage"
	"github.com/frestq/frestq/pkg/transport"
)

const shutdownTimeout = 15 * time.Second

// Node is a running frestq peer.
type Node struct {
	cfg      *config.Config
	store    storage.Store
	registry *registry.Registry
	broker   *events.Broker
	pools    *scheduler.Pools
	engine   *engine.Engine
	activity *events.ActivityWriter
	server   *http.Server
}

// New builds a node from its configuration. Handlers are registered on the
// returned node's Engine before Start.
func New(ctx context.Context, cfg *config.Config) (*Node, error) {
	store, err := storage.NewSQLiteStore(ctx, cfg.DatabasePath)
	if err != nil {
		return nil, err
	}

	broker := events.NewBroker()
	pools := scheduler.NewPools(broker, func(queue string) int {
		return cfg.MaxThreads(queue, 0)
	})
	reg := registry.New()

	client, err := transport.NewClient(cfg, store)
	if err != nil {
		store.Close()
		return nil, err
	}
	eng, err := engine.New(cfg, store, reg, pools, client)
	if err != nil {
		store.Close()
		return nil, err
	}

	mux := http.NewServeMux()
	ingress := transport.NewIngress(cfg, store, reg, eng)
	ingress.Register(mux)
	mux.Handle("GET /metrics", metrics.Handler())

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	if cfg.TLSEnabled() {
		tlsCfg, err := security.ServerTLSConfig(cfg.SSLCertPath, cfg.SSLKeyPath, cfg.SSLCAListPath)
		if err != nil {
			store.Close()
			return nil, err
		}
		server.TLSConfig = tlsCfg
	}

	return &Node{
		cfg:      cfg,
		store:    store,
		registry: reg,
		broker:   broker,
		pools:    pools,
		engine:   eng,
		server:   server,
	}, nil
}

// Engine returns the task engine for handler registration and task
// creation.
func (n *Node) Engine() *engine.Engine {
	return n.engine
}

// Store returns the node's persistence layer.
func (n *Node) Store() storage.Store {
	return n.store
}

// Start opens the activity log, starts every queue pool and begins
// serving the queue endpoint. It returns once the listener is running.
func (n *Node) Start() error {
	n.broker.Start()

	activity, err := events.NewActivityWriter(n.broker, n.cfg.ActivityLogPath())
	if err != nil {
		return err
	}
	n.activity = activity

	n.pools.StartAll()

	logger := log.WithComponent("node")
	logger.Info().
		Str("listen_addr", n.cfg.ListenAddr).
		Str("root_url", n.cfg.RootURL).
		Bool("tls", n.cfg.TLSEnabled()).
		Msg("starting queue endpoint")

	errCh := make(chan error, 1)
	go func() {
		var err error
		if n.cfg.TLSEnabled() {
			err = n.server.ListenAndServeTLS(n.cfg.SSLCertPath, n.cfg.SSLKeyPath)
		} else {
			err = n.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server failed")
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("failed to start server: %w", err)
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Stop drains the pools and shuts everything down in reverse start order.
func (n *Node) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := n.server.Shutdown(shutdownCtx); err != nil {
		log.Errorf("failed to shut down http server", err)
	}

	n.pools.Stop()
	if n.activity != nil {
		n.activity.Close()
	}
	n.broker.Stop()
	return n.store.Close()
}
