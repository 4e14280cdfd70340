// wsrouterd is a demo websocket gateway built on the wsrouter message core:
// it serves /ws with the demo routes from routes.go, /metrics when enabled,
// and prints a single JSON ready object on stdout.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/wirefold/wsrouter/internal/cmdutil"
	"github.com/wirefold/wsrouter/internal/version"
	"github.com/wirefold/wsrouter/observability/prom"
	"github.com/wirefold/wsrouter/router"
	gjs "github.com/wirefold/wsrouter/schema/gojsonschema"
	"github.com/wirefold/wsrouter/transport/gorillaws"
)

// Injected via -ldflags at release time.
var (
	buildVersion = "dev"
	buildCommit  = "unknown"
	buildDate    = "unknown"
)

type ready struct {
	Status  string `json:"status"`
	Version string `json:"version"`

	Listen     string `json:"listen"`
	WSURL      string `json:"ws_url"`
	MetricsURL string `json:"metrics_url,omitempty"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	configPath := cmdutil.EnvString("WSROUTERD_CONFIG", "")
	cmd := &cobra.Command{
		Use:           "wsrouterd",
		Short:         "demo websocket gateway on the wsrouter message core",
		Version:       version.String(buildVersion, buildCommit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&configPath, "config", configPath,
		"path to YAML config file (env: WSROUTERD_CONFIG)")
	return cmd
}

func run(ctx context.Context, configPath string, stdout io.Writer) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	rcfg := router.DefaultConfig()
	rcfg.Validator = gjs.New()
	rcfg.Logger = logger
	if cfg.MaxPayloadBytes > 0 {
		rcfg.MaxPayloadBytes = cfg.MaxPayloadBytes
	}
	if cfg.SocketBufferLimitBytes != 0 {
		rcfg.SocketBufferLimitBytes = cfg.SocketBufferLimitBytes
	}
	if cfg.RPCTimeout > 0 {
		rcfg.RPCTimeout = time.Duration(cfg.RPCTimeout)
	}
	if cfg.RPCMaxInflight > 0 {
		rcfg.RPCMaxInflightPerSocket = cfg.RPCMaxInflight
	}
	if cfg.CloseOnOversize {
		rcfg.OnExceeded = router.ExceededClose
	}
	rcfg.ExposeErrorDetails = cfg.ExposeErrorDetails
	rcfg.Heartbeat = router.HeartbeatConfig{
		Interval: time.Duration(cfg.Heartbeat.Interval),
		Timeout:  time.Duration(cfg.Heartbeat.Timeout),
	}

	var metricsHandler http.Handler
	if cfg.Metrics {
		reg := prom.NewRegistry()
		rcfg.Observer = prom.NewRouterObserver(reg)
		metricsHandler = prom.Handler(reg)
	}

	rt, err := router.New(rcfg)
	if err != nil {
		return err
	}
	defer rt.Close()
	if err := registerRoutes(rt, logger); err != nil {
		return err
	}

	wsOpts := gorillaws.Options{
		MaxPayloadBytes: int64(rcfg.MaxPayloadBytes),
	}
	if len(cfg.AllowedOrigins) > 0 {
		check := checkOriginFunc(cfg.AllowedOrigins)
		wsOpts.CheckOrigin = func(r *http.Request) bool {
			return check(r.Header.Get("Origin"))
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", gorillaws.NewServer(rt, wsOpts))
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}` + "\n"))
	})

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return err
	}
	addr := ln.Addr().String()

	rd := ready{
		Status:  "ready",
		Version: version.String(buildVersion, buildCommit, buildDate),
		Listen:  addr,
		WSURL:   "ws://" + addr + "/ws",
	}
	if metricsHandler != nil {
		rd.MetricsURL = "http://" + addr + "/metrics"
	}
	if err := cmdutil.WriteJSON(stdout, rd, false); err != nil {
		return err
	}
	logger.Info("listening", "addr", addr)

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
