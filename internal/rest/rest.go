// Package rest serves the HTTP side-channel: track resolution
// (/loadtracks), blob decoding (/decodetracks), liveness, readiness and
// Prometheus metrics. The WebSocket control channel shares the same port;
// upgrade requests on / are handed to the gateway.
package rest

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cinderaudio/cinder/internal/health"
	"github.com/cinderaudio/cinder/internal/observe"
	"github.com/cinderaudio/cinder/internal/source"
	"github.com/cinderaudio/cinder/pkg/protocol"
)

// Server bundles the REST dependencies.
type Server struct {
	password string
	sources  *source.Manager
	gateway  http.Handler
	health   *health.Handler
	metrics  *observe.Metrics
}

// New builds the REST server. gateway handles WebSocket upgrades on /.
func New(password string, sources *source.Manager, gateway http.Handler, h *health.Handler) *Server {
	return &Server{
		password: password,
		sources:  sources,
		gateway:  gateway,
		health:   h,
		metrics:  observe.DefaultMetrics(),
	}
}

// Router assembles the chi route tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	// The root stays outside the telemetry middleware: it doubles as the
	// WebSocket upgrade path and long-lived sockets would skew the latency
	// histogram.
	r.Get("/", s.root)
	r.Group(func(r chi.Router) {
		r.Use(observe.Middleware(s.metrics))
		r.Use(s.auth)
		r.Get("/loadtracks", s.loadTracks)
		r.Get("/decodetracks", s.decodeTracks)
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", s.health.Healthz)
	r.Get("/readyz", s.health.Readyz)
	return r
}

// root answers the liveness string, or upgrades the control WebSocket when
// the client asks for one.
func (s *Server) root(w http.ResponseWriter, r *http.Request) {
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		s.gateway.ServeHTTP(w, r)
		return
	}
	writeJSON(w, http.StatusOK, "Ok boomer.")
}

// auth rejects requests whose Authorization header does not match the
// configured password. An unset password admits everyone.
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.password != "" && r.Header.Get("Authorization") != s.password {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// loadResponse is the /loadtracks body.
type loadResponse struct {
	LoadType     string              `json:"loadType"`
	PlaylistInfo source.PlaylistInfo `json:"playlistInfo"`
	Tracks       []trackEntry        `json:"tracks"`
	Exception    *protocol.Exception `json:"exception,omitempty"`
}

// trackEntry pairs the opaque blob with its decoded info.
type trackEntry struct {
	Track string         `json:"track"`
	Info  protocol.Track `json:"info"`
}

func (s *Server) loadTracks(w http.ResponseWriter, r *http.Request) {
	identifier := r.URL.Query().Get("identifier")
	if identifier == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "identifier required"})
		return
	}

	start := time.Now()
	res := s.sources.Load(r.Context(), identifier)
	s.metrics.LoadDuration.Record(r.Context(), time.Since(start).Seconds())
	body := loadResponse{
		LoadType:     res.LoadType,
		PlaylistInfo: res.PlaylistInfo,
		Tracks:       make([]trackEntry, 0, len(res.Tracks)),
	}
	for _, t := range res.Tracks {
		blob, err := protocol.EncodeTrack(t)
		if err != nil {
			slog.Error("track encode failed", "identifier", t.Identifier, "err", err)
			continue
		}
		body.Tracks = append(body.Tracks, trackEntry{Track: blob, Info: t})
	}
	if res.Err != nil {
		body.Exception = &protocol.Exception{
			Message:  res.Err.Error(),
			Severity: protocol.SeverityCommon,
		}
		slog.Warn("load failed", "identifier", identifier, "err", res.Err)
	}
	writeJSON(w, http.StatusOK, body)
}

// decodeTracks decodes one or more blobs. A single track parameter answers
// with the bare info object; repeated parameters answer with an array of
// {track, info} pairs, preserving order.
func (s *Server) decodeTracks(w http.ResponseWriter, r *http.Request) {
	blobs := r.URL.Query()["track"]
	if len(blobs) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "track required"})
		return
	}

	if len(blobs) == 1 {
		info, err := protocol.DecodeTrack(blobs[0])
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, info)
		return
	}

	entries := make([]trackEntry, 0, len(blobs))
	for _, blob := range blobs {
		info, err := protocol.DecodeTrack(blob)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		entries = append(entries, trackEntry{Track: blob, Info: info})
	}
	writeJSON(w, http.StatusOK, entries)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("response encode failed", "err", err)
	}
}
