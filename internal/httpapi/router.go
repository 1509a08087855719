// Package httpapi exposes the analysis service over HTTP.
package httpapi

import (
	"context"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/freeeve/chessanalysis/internal/eco"
	"github.com/freeeve/chessanalysis/internal/engine"
	"github.com/freeeve/chessanalysis/internal/position"
	"github.com/freeeve/chessanalysis/internal/service"
)

// Analyzer is the part of *service.Service the handlers use.
type Analyzer interface {
	Analyze(ctx context.Context, fen string, depth int) (*service.Result, error)
	Stats() service.Stats
}

// PoolStatser reports engine pool activity. *engine.Pool satisfies it.
type PoolStatser interface {
	Stats() engine.PoolStats
}

// OpeningLookup names the opening of a position. *eco.Database satisfies it.
type OpeningLookup interface {
	Lookup(fen string) *eco.Opening
}

// Config wires the router to the service.
type Config struct {
	Logger  zerolog.Logger
	Service Analyzer
	Pool    PoolStatser         // optional; /v1/pool is not served without it
	Metrics prometheus.Gatherer // optional; /metrics is not served without it

	// Openings, when set, adds the opening name to /analyze responses.
	Openings OpeningLookup

	// RequestTimeout bounds how long /analyze waits for the engine.
	RequestTimeout time.Duration
}

// Handler serves the API.
type Handler struct {
	svc      Analyzer
	pool     PoolStatser
	openings OpeningLookup
	log      zerolog.Logger
	timeout  time.Duration
}

// cacheForever is sent with every analysis: a key's record never changes.
const cacheForever = "public, max-age=31536000"

// NewRouter creates the HTTP handler with its middleware chain.
func NewRouter(cfg Config) http.Handler {
	h := &Handler{
		svc:      cfg.Service,
		pool:     cfg.Pool,
		openings: cfg.Openings,
		log:      cfg.Logger,
		timeout:  cfg.RequestTimeout,
	}

	mux := http.NewServeMux()
	mux.Handle("/healthz", http.HandlerFunc(h.health))
	mux.Handle("/readyz", http.HandlerFunc(h.health))
	mux.Handle("/analyze", http.HandlerFunc(h.analyze))
	mux.Handle("/stats", http.HandlerFunc(h.stats))
	if h.pool != nil {
		mux.Handle("/v1/pool", http.HandlerFunc(h.poolStats))
	}
	if cfg.Metrics != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(cfg.Metrics, promhttp.HandlerOpts{}))
	}

	// pprof endpoints
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	return CORS(RequestID(AccessLog(cfg.Logger, mux)))
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) analyze(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		writeJSONStatus(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}

	q := r.URL.Query()
	depth, err := position.ParseDepth(q.Get("depth"))
	if err != nil {
		writeError(w, err)
		return
	}
	fen := q.Get("fen")
	if fen == "" {
		writeJSONStatus(w, http.StatusBadRequest, errorResponse{Error: "missing fen parameter"})
		return
	}

	ctx := r.Context()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	res, err := h.svc.Analyze(ctx, fen, depth)
	if err != nil {
		status, _ := statusFor(err)
		if status >= http.StatusInternalServerError {
			h.log.Error().Err(err).
				Str("rid", GetRequestID(r.Context())).
				Str("fen", fen).
				Int("depth", depth).
				Msg("analyze failed")
		}
		writeError(w, err)
		return
	}

	resp := ToAnalyzeResponse(res)
	if h.openings != nil {
		resp.Opening = h.openings.Lookup(fen)
	}
	w.Header().Set("Cache-Control", cacheForever)
	writeJSON(w, resp)
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, ToStatsResponse(h.svc.Stats()))
}

func (h *Handler) poolStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.pool.Stats())
}
