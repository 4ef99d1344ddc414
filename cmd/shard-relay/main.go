package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/szibis/shard-relay/internal/auth"
	"github.com/szibis/shard-relay/internal/config"
	"github.com/szibis/shard-relay/internal/health"
	"github.com/szibis/shard-relay/internal/logging"
	"github.com/szibis/shard-relay/internal/relay"
	"github.com/szibis/shard-relay/internal/transport"
)

var version = "dev"

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load(os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if cfg.ShowHelp {
		config.PrintUsage(os.Stdout)
		os.Exit(0)
	}
	if cfg.ShowVersion {
		fmt.Printf("shard-relay %s\n", version)
		os.Exit(0)
	}
	if cfg.ValidateOnly {
		result := config.ValidateFile(cfg.ConfigFile)
		fmt.Println(result.JSON())
		if !result.Valid {
			config.PrintValidation(result)
			os.Exit(1)
		}
		os.Exit(0)
	}

	logging.SetLevel(logging.ParseLevel(cfg.LogLevel))
	logging.SetResource(map[string]string{
		"service.name":    "shard-relay",
		"service.version": version,
		"service.mode":    cfg.Mode,
	})

	result := cfg.Check()
	for _, issue := range result.Issues {
		if issue.Severity == config.SeverityWarning {
			logging.Warn("configuration warning", logging.F("field", issue.Field, "message", issue.Message))
		}
	}
	if err := cfg.Validate(); err != nil {
		logging.Fatal("invalid configuration", logging.F("error", err.Error()))
	}

	if cfg.Mode == config.ModeStatus {
		if err := printStatus(os.Stdout, cfg); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	setMemoryLimit(cfg.Memory.LimitRatio)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cfg.Mode {
	case config.ModeReceiver:
		err = runReceiver(ctx, cfg)
	default:
		err = runRelay(ctx, cfg)
	}
	if err != nil {
		logging.Fatal("shard-relay failed", logging.F("error", err.Error()))
	}
	logging.Info("shutdown complete")
}

func setMemoryLimit(ratio float64) {
	if ratio <= 0 {
		return
	}
	limit, err := memlimit.SetGoMemLimitWithOpts(
		memlimit.WithRatio(ratio),
		memlimit.WithProvider(memlimit.FromCgroup),
	)
	if err != nil {
		logging.Info("memory limit not set", logging.F("reason", err.Error()))
		return
	}
	logging.Info("memory limit set", logging.F("limit_bytes", limit, "ratio", ratio))
}

func runRelay(ctx context.Context, cfg *config.Config) error {
	checker := health.New()
	rc := cfg.RelayConfig()
	rc.Health = checker

	mgr, err := relay.New(rc)
	if err != nil {
		return err
	}
	mgr.Start()

	srv := relay.NewAdminServer(cfg.Admin.Address, mgr.Handler(checker, cfg.Admin.Auth))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logging.Info("admin API listening", logging.F("addr", cfg.Admin.Address))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logging.Info("shutting down relay")
		checker.SetShuttingDown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logging.Warn("admin server shutdown failed", logging.F("error", err.Error()))
		}
		// Queued blocks stay on disk and are sent after the next start.
		return mgr.Close()
	})
	return g.Wait()
}

func runReceiver(ctx context.Context, cfg *config.Config) error {
	sink, err := transport.NewDirSink(cfg.Receiver.Path, cfg.BlockCompression(), cfg.Receiver.DedupWindow)
	if err != nil {
		return err
	}
	server, err := transport.NewServer(cfg.ServerConfig(), sink)
	if err != nil {
		return err
	}

	checker := health.New()
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /live", checker.LiveHandler())
	mux.HandleFunc("GET /ready", checker.ReadyHandler())
	probes := relay.NewAdminServer(cfg.Admin.Address, mux)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		if err := probes.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("probe server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logging.Info("shutting down receiver")
		checker.SetShuttingDown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = probes.Shutdown(shutdownCtx)
		server.Stop()
		return nil
	})
	return g.Wait()
}

func printStatus(w io.Writer, cfg *config.Config) error {
	client := &http.Client{
		Timeout:   10 * time.Second,
		Transport: auth.HTTPTransport(cfg.Admin.ClientAuth, nil),
	}
	resp, err := client.Get(strings.TrimSuffix(cfg.Admin.URL, "/") + "/status")
	if err != nil {
		return fmt.Errorf("fetch status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("fetch status: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var statuses []relay.ShardStatus
	if err := json.NewDecoder(resp.Body).Decode(&statuses); err != nil {
		return fmt.Errorf("decode status: %w", err)
	}
	renderStatus(w, statuses)
	return nil
}

func renderStatus(w io.Writer, statuses []relay.ShardStatus) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Shard", "Path", "Files", "Bytes", "Errors", "Last error", "Blocked", "Sleep", "Broken", "Sent", "Replicas"})
	table.SetBorder(true)
	table.SetAutoWrapText(false)

	for _, st := range statuses {
		lastErr := ""
		if st.LastError != nil {
			lastErr = st.LastError.Kind + ": " + st.LastError.Message
		}
		replicas := make([]string, len(st.Replicas))
		for i, r := range st.Replicas {
			replicas[i] = fmt.Sprintf("%s (%s, %d errors)", r.Address, r.Circuit, r.Errors)
		}
		table.Append([]string{
			st.Shard,
			st.Path,
			strconv.Itoa(st.FilesCount),
			config.FormatByteSize(st.BytesCount),
			strconv.FormatUint(st.ErrorCount, 10),
			lastErr,
			strconv.FormatBool(st.IsBlocked),
			st.SleepTime.String(),
			strconv.Itoa(st.BrokenFiles),
			strconv.FormatUint(st.SentFiles, 10),
			strings.Join(replicas, "\n"),
		})
	}
	table.Render()
}
