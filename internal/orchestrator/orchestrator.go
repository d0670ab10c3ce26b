// Package orchestrator implements the top-level start/stop sequencing for
// pnwsync: it runs the Reconciler's initial full sweep, then supervises the
// Wire Client connection, rebuilding the Channel Registry and Subscription
// Manager on every reconnect, and drives the Reconciler's periodic sweeps on
// its own ticker.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/coder/websocket"

	"github.com/komodohq/pnwsync/internal/channelregistry"
	"github.com/komodohq/pnwsync/internal/config"
	"github.com/komodohq/pnwsync/internal/metrics"
	"github.com/komodohq/pnwsync/internal/reconciler"
	"github.com/komodohq/pnwsync/internal/restclient"
	"github.com/komodohq/pnwsync/internal/store"
	"github.com/komodohq/pnwsync/internal/submanager"
	"github.com/komodohq/pnwsync/internal/wire"
)

// ErrTerminalClose is returned by Run when the upstream closes the wire with
// a terminal close code (4000-4099), signaling the process should exit
// rather than keep reconnecting.
var ErrTerminalClose = fmt.Errorf("orchestrator: wire closed with a terminal close code")

func errTerminalCloseWithCode(code int) error {
	return fmt.Errorf("%w: code %d", ErrTerminalClose, code)
}

// Orchestrator owns the supervised lifecycle of a single pnwsync instance.
type Orchestrator struct {
	cfg    *config.Config
	rest   *restclient.Client
	st     *store.Store
	rec    *reconciler.Reconciler
	m      *metrics.Registry
	logger *slog.Logger
}

// New constructs an Orchestrator from the already-wired dependencies (REST
// Client, Entity Store, Reconciler).
func New(cfg *config.Config, rest *restclient.Client, st *store.Store, rec *reconciler.Reconciler, m *metrics.Registry, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{cfg: cfg, rest: rest, st: st, rec: rec, m: m, logger: logger}
}

// Run blocks until ctx is cancelled or the wire connection terminates with a
// terminal close code. It runs the Reconciler's initial sweep before opening
// any Subscription, then starts the periodic reconcile ticker
// and the supervised wire connect loop.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("running initial reconcile sweep")
	if err := o.rec.RunAll(ctx); err != nil {
		o.logger.Error("initial reconcile sweep failed", slog.String("error", err.Error()))
	}

	go o.reconcileLoop(ctx)

	return o.connectLoop(ctx)
}

// reconcileLoop re-runs the Reconciler on cfg.Reconciler.Interval until ctx
// is done.
func (o *Orchestrator) reconcileLoop(ctx context.Context) {
	interval, err := o.cfg.Reconciler.IntervalParsed()
	if err != nil {
		o.logger.Error("parsing reconciler interval, periodic reconcile disabled", slog.String("error", err.Error()))
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.logger.Info("running periodic reconcile sweep")
			if err := o.rec.RunAll(ctx); err != nil {
				o.logger.Error("periodic reconcile sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// connectLoop owns one live wire connection at a time. On every disconnect
// it rebuilds the Channel Registry and Subscription Manager from scratch —
// the upstream's channel/subscription state does not survive a new socket —
// and applies the reconnect policy's close-code classification to decide
// whether to retry immediately, retry with backoff, or give up.
func (o *Orchestrator) connectLoop(ctx context.Context) error {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	attempt := 0

	wireCfg := wire.Config{
		Host:     o.cfg.Upstream.Host,
		Key:      o.cfg.Upstream.APIKey,
		ClientID: o.cfg.Upstream.Client,
		Version:  o.cfg.Upstream.Version,
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		client := wire.New(wireCfg, nil, o.logger)
		reg := channelregistry.New(client, o.logger)
		client.SetDemux(reg)

		if err := client.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			o.logger.Error("wire connect failed, backing off", slog.String("error", err.Error()))
			attempt++
			if !o.sleep(ctx, wire.BackoffDelay(attempt, rng)) {
				return ctx.Err()
			}
			continue
		}

		subMgr := submanager.New(o.rest, reg, o.st, o.m, o.logger)
		if err := subMgr.StartAll(ctx, o.cfg.Subscriptions.Models); err != nil {
			o.logger.Error("opening subscriptions failed", slog.String("error", err.Error()))
		}

		select {
		case <-ctx.Done():
			client.Close(websocket.StatusNormalClosure, "shutting down")
			return ctx.Err()
		case <-client.Done():
		}

		code := client.CloseCode()
		class := wire.ClassifyClose(code)
		if o.m != nil {
			o.m.WireReconnects.WithLabelValues(metrics.CloseCodeClass(code)).Inc()
		}
		o.logger.Warn("wire disconnected", slog.Int("close_code", code))

		switch class {
		case wire.ReconnectTerminal:
			return errTerminalCloseWithCode(code)
		case wire.ReconnectImmediate:
			attempt = 0
			continue
		default: // wire.ReconnectBackoff
			attempt++
			if !o.sleep(ctx, wire.BackoffDelay(attempt, rng)) {
				return ctx.Err()
			}
		}
	}
}

// sleep waits for d or ctx cancellation, reporting which happened first.
func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
