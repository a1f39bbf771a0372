package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	relay "github.com/bt-bridge/gemini-relay"
	"github.com/bt-bridge/gemini-relay/shared"
	"github.com/joho/godotenv"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

const shutdownGrace = 5 * time.Second

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	// .env is optional; real environments set variables directly.
	_ = godotenv.Load()

	cfg, err := relay.LoadConfig(*configPath)
	if err != nil {
		shared.NewStdLogger().Error("loading configuration", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := shared.NewFileLogger(
		cfg.Log.File, cfg.Log.MaxSizeMB, cfg.Log.MaxBackups, cfg.Log.MaxAgeDays, cfg.Log.Compress,
	).With(
		zap.String("component", "relay"),
		zap.String("version", shared.Version),
	)

	// Conversation transcript on stdout
	stdoutHook := shared.NewWriteCloser(os.Stdout)
	if stdoutHook == nil {
		logger.Error("creating stdout hook", nil)
		os.Exit(1)
	}
	transcript, err := shared.NewTranscript(stdoutHook)
	if err != nil {
		logger.Error("creating transcript", err)
		os.Exit(1)
	}
	transcript.Banner("Gemini Live relay " + shared.Version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry, err := relay.NewRegistry(logger)
	if err != nil {
		logger.Error("creating session registry", err)
		os.Exit(1)
	}

	opts := []relay.DispatcherOption{
		relay.WithTranscript(transcript),
		relay.WithChunkBuffering(cfg.BufferChunks),
	}
	if cfg.OpenAIAPIKey != "" {
		responder, err := relay.NewOpenAIResponder(cfg.OpenAIAPIKey, cfg.OpenAIModel)
		if err != nil {
			logger.Error("creating OpenAI responder", err)
			os.Exit(1)
		}
		opts = append(opts, relay.WithResponder(responder))
		logger.Info("text responder: OpenAI", zap.String("model", cfg.OpenAIModel))
	} else {
		logger.Info("text responder: rule-based fallback")
	}

	dispatcher, err := relay.NewDispatcher(ctx, logger, registry, cfg.Upstream, opts...)
	if err != nil {
		logger.Error("creating dispatcher", err)
		os.Exit(1)
	}
	gateway, err := relay.NewGateway(logger, dispatcher)
	if err != nil {
		logger.Error("creating gateway", err)
		os.Exit(1)
	}
	api, err := relay.NewHTTPAPI(logger, dispatcher)
	if err != nil {
		logger.Error("creating HTTP API", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", gateway.HandleWS)
	wsServer := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	apiServer := &fasthttp.Server{Handler: api.Handler(), Name: "gemini-relay"}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("WebSocket gateway listening", zap.String("addr", cfg.ListenAddr))
		if err := wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	go func() {
		logger.Info("HTTP API listening", zap.String("addr", cfg.HTTPAddr))
		if err := apiServer.ListenAndServe(cfg.HTTPAddr); err != nil {
			errCh <- err
		}
	}()

	// Waiting for graceful shutdown or server failure
	sig := make(chan os.Signal, 1)
	defer close(sig)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		logger.Error("server failed", err)
	case <-sig:
		logger.Info("shutting down...")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutting down WebSocket gateway", err)
	}
	if err := apiServer.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error("shutting down HTTP API", err)
	}
	dispatcher.Close()
	if err := transcript.Close(); err != nil {
		logger.Error("closing transcript", err)
	}
	logger.Info("graceful shutdown complete")
}
