package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/atm/internal/metrics"
	"github.com/loykin/atm/internal/store"
)

// NewServer returns an *http.Server for h bound to addr. It is not started.
func NewServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

const shutdownTimeout = 5 * time.Second

// Work serves the API as the server slot's work-unit. Prepare binds the
// listener so a port conflict is reported before the slot is confirmed.
type Work struct {
	Addr string
	DB   *store.DB
	// Registry receives the HTTP and slot collectors; nil uses the default.
	Registry *prometheus.Registry
	Slots    *metrics.SlotCollector
	Log      *slog.Logger

	ln  net.Listener
	srv *http.Server
}

func (w *Work) Prepare(ctx context.Context) error {
	var reg prometheus.Registerer = prometheus.DefaultRegisterer
	var gat prometheus.Gatherer = prometheus.DefaultGatherer
	if w.Registry != nil {
		reg, gat = w.Registry, w.Registry
	}
	if err := metrics.Register(reg); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	if w.Slots != nil {
		if err := metrics.RegisterSlots(reg, w.Slots); err != nil {
			return fmt.Errorf("register slot metrics: %w", err)
		}
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", w.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", w.Addr, err)
	}
	w.ln = ln
	w.srv = NewServer(w.Addr, NewRouter(w.DB, "", gat).Handler())
	return nil
}

// Run serves until ctx is done, then shuts down gracefully.
func (w *Work) Run(ctx context.Context) error {
	if w.srv == nil {
		if err := w.Prepare(ctx); err != nil {
			return err
		}
	}
	log := w.Log
	if log == nil {
		log = slog.Default()
	}
	errc := make(chan error, 1)
	go func() { errc <- w.srv.Serve(w.ln) }()
	log.Info("api listening", "endpoint", "http://"+w.ln.Addr().String())

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := w.srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("api stopped")
	return ctx.Err()
}

// ListenAddr is the bound address once Prepare has run.
func (w *Work) ListenAddr() string {
	if w.ln == nil {
		return ""
	}
	return w.ln.Addr().String()
}
