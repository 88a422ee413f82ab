package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicerelay/internal/adapters/agent"
	router "github.com/dkeye/voicerelay/internal/adapters/http"
	"github.com/dkeye/voicerelay/internal/adapters/realtime"
	"github.com/dkeye/voicerelay/internal/app"
	"github.com/dkeye/voicerelay/internal/app/orch"
	"github.com/dkeye/voicerelay/internal/codec"
	"github.com/dkeye/voicerelay/internal/config"
	"github.com/dkeye/voicerelay/internal/core"
)

func setupLogger(level, format string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if format != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Console logger first so config.Load can log; reconfigured below.
	setupLogger("info", "console")

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
		os.Exit(1)
	}
	setupLogger(cfg.LogLevel, cfg.LogFormat)

	session := cfg.Session()
	agentCfg := cfg.AgentConfig()

	o := &orch.Orchestrator{
		Registry: app.NewRegistry(),
		Policy:   app.PolicyFor(cfg.Policy),
		NewCodec: func() core.Transcoder { return codec.New() },
		NewRealtime: func(h core.EventHandler) core.RealtimeSession {
			return realtime.NewClient(session, h)
		},
		NewTools: func(sink core.ResultSink) core.ToolDispatcher {
			return agent.NewBridge(agentCfg, sink)
		},
	}

	r := router.SetupRouter(ctx, cfg, o)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("voice relay started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	o.Shutdown()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
