package admin

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tsingest/bucketworker/internal/httpx"
)

var startTime = time.Now()

// HealthResponse is the JSON shape served at /healthz.
type HealthResponse struct {
	Status  string         `json:"status"`
	Uptime  string         `json:"uptime"`
	Monitor ConsumerStatus `json:"consumer"`
}

// Server is the operator-facing HTTP surface: health, metrics, and the live
// commit feed. None of it sits on the ingestion path.
type Server struct {
	addr   string
	router *mux.Router
	http   *http.Server
	feed   *FeedHub
}

// NewServer wires the admin routes around monitor (health) and gatherer
// (Prometheus scrape). feed may be nil to disable /debug/feed.
func NewServer(addr string, monitor *ConsumerMonitor, gatherer prometheus.Gatherer, feed *FeedHub) *Server {
	router := mux.NewRouter()
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.RespondError(w, http.StatusNotFound, errors.New("no such admin route"))
	})

	router.HandleFunc("/healthz", handleHealth(monitor)).Methods("GET")
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods("GET")
	if feed != nil {
		router.HandleFunc("/debug/feed", feed.HandleWebSocket).Methods("GET")
	}

	return &Server{
		addr:   addr,
		router: router,
		feed:   feed,
		http:   &http.Server{Addr: addr, Handler: router},
	}
}

// handleHealth reports the consumer loop's health: 200 when the monitor is
// healthy, 503 otherwise. It only reports; it never affects the loop itself.
func handleHealth(monitor *ConsumerMonitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := monitor.Status()
		statusCode := http.StatusOK
		if !status.Healthy {
			statusCode = http.StatusServiceUnavailable
		}

		resp := HealthResponse{
			Status:  healthLabel(status.Healthy),
			Uptime:  time.Since(startTime).String(),
			Monitor: status,
		}

		httpx.RespondJSON(w, statusCode, resp)
	}
}

func healthLabel(healthy bool) string {
	if healthy {
		return "healthy"
	}
	return "degraded"
}

// Run starts the server and the feed hub (if present), and blocks until ctx
// is cancelled, at which point it shuts down with a 5 second grace period.
func (s *Server) Run(ctx context.Context) error {
	if s.feed != nil {
		go s.feed.Run(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
