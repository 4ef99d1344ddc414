package relay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/szibis/shard-relay/internal/auth"
	"github.com/szibis/shard-relay/internal/health"
)

func do(t *testing.T, h http.Handler, method, target, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAdminInsertAndStatus(t *testing.T) {
	m, pools := newTestManager(t, nil, "a", "b")
	name := t.Name() + ".a"
	h := m.Handler(health.New(), auth.ServerConfig{})
	m.Start()

	rec := do(t, h, http.MethodPost, "/insert?shard="+name+"&rows=7&schema=s1", "payload", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("insert: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var ins InsertResponse
	if err := json.NewDecoder(rec.Body).Decode(&ins); err != nil {
		t.Fatal(err)
	}
	if ins.Shard != name || ins.Key != 1 {
		t.Fatalf("unexpected insert response %+v", ins)
	}

	waitFor(t, "delivery", func() bool { return len(pools.get(name).Transfers()) == 1 })
	b := pools.get(name).Transfers()[0][0]
	if b.Rows != 7 || b.Schema != "s1" || string(b.Data) != "payload" {
		t.Fatalf("unexpected delivered block rows=%d schema=%q data=%q", b.Rows, b.Schema, b.Data)
	}

	rec = do(t, h, http.MethodGet, "/status", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: expected 200, got %d", rec.Code)
	}
	var statuses []ShardStatus
	if err := json.NewDecoder(rec.Body).Decode(&statuses); err != nil {
		t.Fatal(err)
	}
	if len(statuses) != 2 || statuses[0].Shard != name || statuses[1].Shard != t.Name()+".b" {
		t.Fatalf("unexpected statuses %+v", statuses)
	}
	if statuses[0].SentFiles != 1 {
		t.Fatalf("expected 1 sent file, got %d", statuses[0].SentFiles)
	}
}

func TestAdminErrors(t *testing.T) {
	m, _ := newTestManager(t, nil, "a")
	name := t.Name() + ".a"
	h := m.Handler(nil, auth.ServerConfig{})

	tests := []struct {
		name   string
		method string
		target string
		want   int
	}{
		{"insert without shard or key", http.MethodPost, "/insert?rows=1", http.StatusBadRequest},
		{"keyed insert without weighted shards", http.MethodPost, "/insert?key=7&rows=1", http.StatusConflict},
		{"insert with bad rows", http.MethodPost, "/insert?shard=" + name + "&rows=x", http.StatusBadRequest},
		{"insert unknown shard", http.MethodPost, "/insert?shard=missing&rows=1", http.StatusNotFound},
		{"flush unknown shard", http.MethodPost, "/flush?shard=missing", http.StatusNotFound},
		{"flush bad timeout", http.MethodPost, "/flush?timeout=soon", http.StatusBadRequest},
		{"relocate without dir", http.MethodPost, "/shards/" + name + "/relocate", http.StatusBadRequest},
		{"relocate unknown shard", http.MethodPost, "/shards/missing/relocate?dir=/tmp/x", http.StatusNotFound},
		{"drop unknown shard", http.MethodPost, "/shards/missing/drop", http.StatusNotFound},
		{"status wrong method", http.MethodPost, "/status", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, tt.method, tt.target, "", nil)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestAdminSendsFlushRelocateDrop(t *testing.T) {
	m, pools := newTestManager(t, nil, "a")
	name := t.Name() + ".a"
	h := m.Handler(nil, auth.ServerConfig{})
	m.Start()

	for _, want := range []bool{true, false} {
		rec := do(t, h, http.MethodPost, "/sends/stop", "", nil)
		var resp ChangeResponse
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatal(err)
		}
		if resp.Changed != want {
			t.Fatalf("stop: expected changed=%v, got %v", want, resp.Changed)
		}
	}

	for i := 0; i < 2; i++ {
		if rec := do(t, h, http.MethodPost, "/insert?shard="+name+"&rows=1", "x", nil); rec.Code != http.StatusOK {
			t.Fatalf("insert: %d", rec.Code)
		}
	}

	dir := filepath.Join(t.TempDir(), "moved")
	if rec := do(t, h, http.MethodPost, "/shards/"+name+"/relocate?dir="+dir, "", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("relocate: expected 204, got %d: %s", rec.Code, rec.Body.String())
	}

	rec := do(t, h, http.MethodPost, "/flush?shard="+name+"&timeout=5s", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("flush: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if n := len(pools.get(name).Transfers()); n != 2 {
		t.Fatalf("expected 2 transfers after flush, got %d", n)
	}
	if got := m.Statuses()[0].Path; got != dir {
		t.Fatalf("expected path %s, got %s", dir, got)
	}

	if rec := do(t, h, http.MethodPost, "/sends/start", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("start: %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/shards/"+name+"/drop", "", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("drop: expected 204, got %d", rec.Code)
	}
	if len(m.Statuses()) != 0 {
		t.Fatal("expected no shards after drop")
	}
}

func TestAdminAuth(t *testing.T) {
	m, _ := newTestManager(t, nil, "a")
	h := m.Handler(health.New(), auth.ServerConfig{Enabled: true, BearerToken: "secret"})

	if rec := do(t, h, http.MethodGet, "/status", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	authorized := http.Header{"Authorization": {"Bearer secret"}}
	if rec := do(t, h, http.MethodGet, "/status", "", authorized); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", rec.Code)
	}
	for _, path := range []string{"/live", "/ready", "/metrics"} {
		if rec := do(t, h, http.MethodGet, path, "", nil); rec.Code != http.StatusOK {
			t.Errorf("%s: expected 200 without token, got %d", path, rec.Code)
		}
	}
}

func TestNewAdminServer(t *testing.T) {
	m, _ := newTestManager(t, nil, "a")
	srv := NewAdminServer("127.0.0.1:0", m.Handler(nil, auth.ServerConfig{}))
	if srv.Addr != "127.0.0.1:0" || srv.ReadHeaderTimeout == 0 {
		t.Fatalf("unexpected server settings addr=%q read_header_timeout=%s", srv.Addr, srv.ReadHeaderTimeout)
	}
	if rec := do(t, srv.Handler, http.MethodGet, "/status", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected HTTP/1.1 requests to reach the admin API, got %d", rec.Code)
	}
}
