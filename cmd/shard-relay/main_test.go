package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/szibis/shard-relay/internal/auth"
	"github.com/szibis/shard-relay/internal/config"
	"github.com/szibis/shard-relay/internal/monitor"
	"github.com/szibis/shard-relay/internal/relay"
	"github.com/szibis/shard-relay/internal/transport"
)

func TestPrintStatus(t *testing.T) {
	statuses := []relay.ShardStatus{{
		Status: monitor.Status{
			Shard:      "shard1",
			Path:       "/data/shard1",
			FilesCount: 3,
			BytesCount: 2048,
			ErrorCount: 2,
			LastError:  &monitor.TaggedError{Kind: "network", Message: "connection refused", Time: time.Now()},
			SleepTime:  400 * time.Millisecond,
		},
		Replicas: []transport.ReplicaStatus{{Address: "r1:9000", Circuit: "open", Errors: 2}},
	}}

	srv := httptest.NewServer(auth.HTTPMiddleware(auth.ServerConfig{Enabled: true, BearerToken: "secret"},
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/status" {
				http.NotFound(w, r)
				return
			}
			_ = json.NewEncoder(w).Encode(statuses)
		})))
	defer srv.Close()

	cfg := config.DefaultConfig()
	cfg.Admin.URL = srv.URL + "/"
	cfg.Admin.ClientAuth.BearerToken = "secret"

	var out bytes.Buffer
	if err := printStatus(&out, cfg); err != nil {
		t.Fatalf("printStatus: %v", err)
	}
	for _, want := range []string{"SHARD", "shard1", "/data/shard1", "2Ki", "network: connection refused", "400ms", "r1:9000 (open, 2 errors)"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output misses %q:\n%s", want, out.String())
		}
	}

	cfg.Admin.ClientAuth.BearerToken = "wrong"
	if err := printStatus(&out, cfg); err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("expected an unauthorized error, got %v", err)
	}
}
