// Package httpapi wires the HTTP surface: the websocket endpoint, the
// liveness and status endpoints and the Prometheus scrape handler.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/spreadwatch/spreadwatch/internal/fanout"
	"github.com/spreadwatch/spreadwatch/internal/proxy"
)

// Server bundles the HTTP handlers over the running engine components.
type Server struct {
	hub      *fanout.Hub
	prober   *proxy.Prober
	pool     *proxy.Pool
	registry *prometheus.Registry
	started  time.Time
}

// New creates the HTTP surface.
func New(hub *fanout.Hub, prober *proxy.Prober, pool *proxy.Pool, registry *prometheus.Registry) *Server {
	return &Server{
		hub:      hub,
		prober:   prober,
		pool:     pool,
		registry: registry,
		started:  time.Now(),
	}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.hub.ServeWS)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/status", s.handleStatus).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	UptimeSeconds    float64        `json:"uptime_seconds"`
	Subscribers      int            `json:"subscribers"`
	SubscribedTokens []string       `json:"subscribed_tokens"`
	ActiveProxies    int            `json:"active_proxies"`
	ProxyCheckedAt   *string        `json:"proxy_checked_at"`
	ProxyResults     []proxy.Result `json:"proxy_results"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	results, checkedAt := s.prober.LastResults()

	resp := statusResponse{
		UptimeSeconds:    time.Since(s.started).Seconds(),
		Subscribers:      s.hub.SubscriberCount(),
		SubscribedTokens: s.hub.SubscribedTokens(),
		ActiveProxies:    s.pool.ActiveCount(),
		ProxyResults:     results,
	}
	if !checkedAt.IsZero() {
		ts := checkedAt.UTC().Format(time.RFC3339)
		resp.ProxyCheckedAt = &ts
	}

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Failed to write JSON response")
	}
}
