package telemetry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rjboer/GoSweep/internal/logging"
)

// WebServer exposes the hub and Prometheus metrics over HTTP.
type WebServer struct {
	srv    *http.Server
	hub    *Hub
	logger logging.Logger
}

// NewWebServer builds the HTTP server. A nil gatherer serves the default
// Prometheus registry.
func NewWebServer(addr string, hub *Hub, gatherer prometheus.Gatherer, logger logging.Logger) *WebServer {
	if logger == nil {
		logger = logging.Default()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &WebServer{
		hub:    hub,
		logger: logger.With(logging.Subsystem("telemetry")),
		srv:    &http.Server{Addr: addr, Handler: newMux(hub, gatherer), ReadHeaderTimeout: 5 * time.Second},
	}
}

func newMux(hub *Hub, gatherer prometheus.Gatherer) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/history", hub.handleHistory)
	mux.HandleFunc("/api/sweep/latest", hub.handleLatest)
	mux.HandleFunc("/api/live", hub.handleLive)
	mux.HandleFunc("/api/status", hub.handleStatus)
	mux.HandleFunc("/api/config", hub.handleGetConfig)
	mux.HandleFunc("/api/config/update", hub.handleSetConfig)
	mux.HandleFunc("/healthz", hub.handleHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return mux
}

// Handler returns the server's request router.
func (w *WebServer) Handler() http.Handler { return w.srv.Handler }

// Start listens until ctx is cancelled, then shuts down gracefully.
func (w *WebServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", w.srv.Addr)
	if err != nil {
		return err
	}
	return w.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (w *WebServer) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := w.srv.Shutdown(shutdownCtx); err != nil {
			w.logger.Warn("web telemetry shutdown", logging.Err(err))
		}
	}()

	w.logger.Info("web telemetry listening", logging.F("addr", ln.Addr().String()))
	if err := w.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
