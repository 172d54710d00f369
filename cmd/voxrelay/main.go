package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	cli "github.com/spf13/pflag"
	log "log/slog"

	openai "github.com/openai/openai-go/v3"
	oaioption "github.com/openai/openai-go/v3/option"
	"golang.org/x/sync/errgroup"

	"voxrelay/internal/config"
	"voxrelay/internal/ipc"
	"voxrelay/internal/llm"
	"voxrelay/internal/metrics"
	"voxrelay/internal/pipeline"
	"voxrelay/internal/proxy"
	"voxrelay/internal/publish"
	"voxrelay/internal/relay"
	"voxrelay/internal/tts"
	"voxrelay/pkg/stt"
)

var logLevelMap = map[string]log.Level{
	"debug": log.LevelDebug,
	"info":  log.LevelInfo,
	"warn":  log.LevelWarn,
	"error": log.LevelError,
}

func main() {
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, cli.ErrHelp) {
		return
	}

	level, ok := logLevelMap[cfg.LogLevel]
	if !ok {
		level = log.LevelInfo
	}
	log.SetDefault(log.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
	})))

	if err != nil {
		log.Error("Bad config", "err", err)
		os.Exit(1)
	}

	log.Info("Booting up", "addr", cfg.Addr, "generator", cfg.Generator, "tts", cfg.SynthBackend)

	if err := run(cfg); err != nil {
		log.Error("Exited", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpClient, err := proxy.NewHTTPClient(cfg.Proxy, 60*time.Second)
	if err != nil {
		return fmt.Errorf("proxy %s: %w", cfg.Proxy, err)
	}
	log.Debug("Loaded proxy", "proxy", cfg.Proxy)

	gen, err := newGenerator(ctx, cfg, httpClient)
	if err != nil {
		return err
	}
	log.Debug("Loaded generator", "backend", cfg.Generator)

	recognizer, err := stt.NewGoogle(ctx)
	if err != nil {
		return err
	}
	defer recognizer.Close()
	log.Debug("Loaded recognizer")

	synth, closeSynth, err := newSynthesizer(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeSynth()
	log.Debug("Loaded synthesizer", "backend", cfg.SynthBackend)

	persona, err := llm.LoadPersona(cfg.PersonaFile)
	if err != nil {
		return err
	}

	var pub publish.Publisher = publish.Nop{}
	if cfg.RedisAddr != "" {
		r, err := publish.NewRedis(ctx, cfg.RedisAddr, cfg.RedisChannel)
		if err != nil {
			return err
		}
		pub = r
		log.Info("Publishing turns", "redis", cfg.RedisAddr)
	}
	defer pub.Close()

	m := metrics.New("voxrelay")
	pipe := pipeline.New(gen, synth,
		pipeline.WithVoice(cfg.Voice),
		pipeline.WithPersona(persona),
		pipeline.WithPublisher(pub),
		pipeline.WithMetrics(m),
	)

	srv := relay.NewServer(context.Background(), relay.Config{
		Recognition:  cfg.Recognition,
		HistoryTurns: cfg.HistoryTurns,
		PublicDir:    cfg.PublicDir,
	}, recognizer, pipe, m)

	admin, err := ipc.StartServer(cfg.AdminSocket, srv.Admin)
	if err != nil {
		return fmt.Errorf("admin socket: %w", err)
	}
	defer admin.Close()

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info("Boot up - successful", "admin", admin.Path())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("Listening", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down")

		sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(sctx); err != nil {
			log.Warn("HTTP shutdown", "err", err)
		}
		if err := srv.Shutdown(sctx); err != nil {
			log.Warn("Sessions did not drain", "err", err)
		}
		return nil
	})

	return g.Wait()
}

func newGenerator(ctx context.Context, cfg config.Config, httpClient *http.Client) (llm.Generator, error) {
	switch cfg.Generator {
	case config.GeneratorOpenAI:
		client := openai.NewClient(
			oaioption.WithAPIKey(cfg.OpenAIAPIKey),
			oaioption.WithHTTPClient(httpClient),
		)
		return llm.NewOpenAI(client, cfg.GeneratorModel), nil
	default:
		gem, err := llm.NewGemini(ctx, llm.GeminiOptions{
			APIKey:     cfg.GeminiAPIKey,
			Model:      cfg.GeneratorModel,
			HTTPClient: httpClient,
		})
		if err != nil {
			return nil, err
		}
		return gem, nil
	}
}

func newSynthesizer(ctx context.Context, cfg config.Config) (tts.Synthesizer, func(), error) {
	if cfg.SynthBackend == config.SynthTone {
		return tts.NewTone(), func() {}, nil
	}
	g, err := tts.NewGoogle(ctx)
	if err != nil {
		return nil, nil, err
	}
	return g, func() { g.Close() }, nil
}
