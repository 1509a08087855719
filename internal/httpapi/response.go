package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/freeeve/chessanalysis/internal/analysis"
	"github.com/freeeve/chessanalysis/internal/cache"
	"github.com/freeeve/chessanalysis/internal/eco"
	"github.com/freeeve/chessanalysis/internal/engine"
	"github.com/freeeve/chessanalysis/internal/position"
	"github.com/freeeve/chessanalysis/internal/service"
)

// AnalyzeResponse is the JSON body of /analyze. Everything after Elapsed
// describes the best line, from White's point of view.
type AnalyzeResponse struct {
	Cached   bool         `json:"cached"`
	FEN      string       `json:"fen"`
	Depth    int          `json:"depth"`
	Elapsed  float64      `json:"elapsed"` // seconds
	EV       *int         `json:"ev"`
	Mate     *int         `json:"mate,omitempty"`
	WhiteWDL float64      `json:"white_wdl"`
	PVUCI    string       `json:"pv_uci"`
	PVSAN    string       `json:"pv_san"`
	MoveUCI  string       `json:"move_uci"`
	MoveSAN  string       `json:"move_san"`
	Nodes    *int         `json:"nodes"`
	Opening  *eco.Opening `json:"opening,omitempty"`
}

// ToAnalyzeResponse flattens a service result for the wire.
func ToAnalyzeResponse(res *service.Result) *AnalyzeResponse {
	resp := &AnalyzeResponse{
		Cached:  res.Cached,
		FEN:     res.FEN,
		Depth:   res.Depth,
		Elapsed: res.Elapsed.Seconds(),
	}
	best, ok := res.Record.Best()
	if !ok {
		return resp
	}
	resp.EV = best.EV
	resp.Mate = best.Mate
	resp.WhiteWDL = best.WhiteWDL
	resp.PVUCI = best.PVString()
	resp.PVSAN = best.PVSANString()
	resp.MoveUCI = best.BestMove
	resp.MoveSAN = best.BestSAN
	resp.Nodes = best.Nodes
	return resp
}

// StatsResponse is the JSON body of /stats.
type StatsResponse struct {
	Requests   uint64 `json:"requests"`
	Commits    uint64 `json:"commits"`
	CacheWin   uint64 `json:"cache_win"`
	CacheLose  uint64 `json:"cache_lose"`
	NumEntries int    `json:"cache_num_entries"`
	CacheBytes int64  `json:"cache_bytes"`
	Dirty      bool   `json:"cache_dirty"`
	Uptime     int64  `json:"uptime"` // whole seconds
}

// ToStatsResponse converts service counters for the wire.
func ToStatsResponse(st service.Stats) *StatsResponse {
	return &StatsResponse{
		Requests:   st.Requests,
		Commits:    st.Commits,
		CacheWin:   st.Hits,
		CacheLose:  st.Misses,
		NumEntries: st.Entries,
		CacheBytes: st.Bytes,
		Dirty:      st.Dirty,
		Uptime:     int64(st.Uptime.Seconds()),
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps an error to its HTTP status and the message shown to the
// client. Only input errors echo their detail.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, position.ErrInvalidInput):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, engine.ErrUnavailable), errors.Is(err, engine.ErrPoolClosed):
		return http.StatusServiceUnavailable, "engine unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "analysis timed out"
	case errors.Is(err, analysis.ErrMalformedOutput):
		return http.StatusInternalServerError, "malformed engine output"
	case errors.Is(err, cache.ErrStorage):
		return http.StatusInternalServerError, "storage failure"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, msg := statusFor(err)
	writeJSONStatus(w, status, errorResponse{Error: msg})
}
