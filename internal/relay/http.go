package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/szibis/shard-relay/internal/auth"
	"github.com/szibis/shard-relay/internal/health"
	"github.com/szibis/shard-relay/internal/logging"
	"github.com/szibis/shard-relay/internal/monitor"
	"github.com/szibis/shard-relay/internal/sharding"
	"github.com/szibis/shard-relay/internal/transport"
)

// DefaultFlushTimeout bounds POST /flush when no timeout parameter is given.
const DefaultFlushTimeout = 5 * time.Minute

// Handler returns the admin API. Probe and metrics endpoints are served
// without authentication.
func (m *Manager) Handler(checker *health.Checker, authCfg auth.ServerConfig) http.Handler {
	admin := http.NewServeMux()
	admin.HandleFunc("GET /status", m.handleStatus)
	admin.HandleFunc("POST /insert", m.handleInsert)
	admin.HandleFunc("POST /flush", m.handleFlush)
	admin.HandleFunc("POST /sends/stop", m.handleStopSends)
	admin.HandleFunc("POST /sends/start", m.handleStartSends)
	admin.HandleFunc("POST /shards/{name}/drop", m.handleDrop)
	admin.HandleFunc("POST /shards/{name}/relocate", m.handleRelocate)

	mux := http.NewServeMux()
	mux.Handle("/", auth.HTTPMiddleware(authCfg, admin))
	mux.Handle("GET /metrics", promhttp.Handler())
	if checker != nil {
		mux.HandleFunc("GET /live", checker.LiveHandler())
		mux.HandleFunc("GET /ready", checker.ReadyHandler())
	}
	return mux
}

// NewAdminServer wraps h in a server accepting HTTP/1.1 and cleartext HTTP/2.
func NewAdminServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h2c.NewHandler(h, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func (m *Manager) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, m.Statuses())
}

// InsertResponse is the body returned by POST /insert.
type InsertResponse struct {
	Shard string `json:"shard"`
	Key   uint64 `json:"key"`
}

func (m *Manager) handleInsert(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	name, shardingKey := q.Get("shard"), q.Get("key")
	if name == "" && shardingKey == "" {
		writeError(w, http.StatusBadRequest, errors.New("shard or key parameter is required"))
		return
	}
	rows, err := strconv.ParseUint(q.Get("rows"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("rows parameter must be a non-negative integer"))
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, transport.DefaultMaxMessageSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, err)
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var key uint64
	if name != "" {
		key, err = m.Enqueue(name, rows, q.Get("schema"), data)
	} else {
		name, key, err = m.EnqueueKeyed(shardingKey, rows, q.Get("schema"), data)
	}
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, InsertResponse{Shard: name, Key: key})
}

func (m *Manager) handleFlush(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	timeout := DefaultFlushTimeout
	if v := q.Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("timeout must be a positive duration"))
			return
		}
		timeout = d
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	if err := m.Flush(ctx, q["shard"]...); err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, m.Statuses())
}

// ChangeResponse reports whether an admin toggle changed state.
type ChangeResponse struct {
	Changed bool `json:"changed"`
}

func (m *Manager) handleStopSends(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, ChangeResponse{Changed: m.StopSends()})
}

func (m *Manager) handleStartSends(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, ChangeResponse{Changed: m.StartSends()})
}

func (m *Manager) handleDrop(w http.ResponseWriter, r *http.Request) {
	if err := m.Drop(r.PathValue("name")); err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (m *Manager) handleRelocate(w http.ResponseWriter, r *http.Request) {
	dir := r.URL.Query().Get("dir")
	if dir == "" {
		writeError(w, http.StatusBadRequest, errors.New("dir parameter is required"))
		return
	}
	if err := m.Relocate(r.PathValue("name"), dir); err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, ErrUnknownShard):
		return http.StatusNotFound
	case errors.Is(err, sharding.ErrNoShards):
		return http.StatusConflict
	case errors.Is(err, ErrClosed), errors.Is(err, monitor.ErrShutdown):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, code int, err error) {
	if code >= http.StatusInternalServerError {
		logging.Error("admin request failed", logging.F("status", code, "error", err.Error()))
	}
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
