package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coopco/kimibridge/internal/bus"
	"github.com/coopco/kimibridge/internal/channels"
	"github.com/coopco/kimibridge/internal/config"
	"github.com/coopco/kimibridge/internal/cron"
	"github.com/coopco/kimibridge/internal/media"
	"github.com/coopco/kimibridge/internal/pending"
	"github.com/coopco/kimibridge/internal/prompt"
	"github.com/coopco/kimibridge/internal/providers"
	"github.com/coopco/kimibridge/internal/router"
	"github.com/coopco/kimibridge/internal/session"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default ~/.kimibridge/config.json)")
	flag.Parse()

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFromFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	setupLogging(cfg.Logging.Level)

	if cfg.Kimi.RefreshToken == "" {
		slog.Error("kimi.refreshToken is required")
		os.Exit(1)
	}

	// Pending state is in-memory only, so staged files from a previous run
	// are orphans: start from an empty staging root.
	if err := os.RemoveAll(cfg.Files.StorageDir); err != nil {
		slog.Error("failed to clear staging root", "dir", cfg.Files.StorageDir, "err", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(cfg.Files.StorageDir, 0o755); err != nil {
		slog.Error("failed to create staging root", "dir", cfg.Files.StorageDir, "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	kimi := providers.NewKimiClient(providers.KimiConfig{
		RefreshToken:    cfg.Kimi.RefreshToken,
		BaseURL:         cfg.Kimi.BaseURL,
		StandardPersona: cfg.Kimi.StandardPersona,
		VisualPersona:   cfg.Kimi.VisualPersona,
	})
	transcriber := providers.NewTranscriptionProvider(providers.TranscriptionConfig{
		APIKey:  cfg.Transcription.APIKey,
		BaseURL: cfg.Transcription.BaseURL,
		Model:   cfg.Transcription.Model,
	})
	resolver := providers.NewShareResolver(providers.ResolverConfig{APIURL: cfg.Resolver.APIURL})

	pipeline := media.New(media.Config{
		StagingDir:        cfg.Files.StorageDir,
		DocExts:           cfg.Files.SupportedFormats,
		VideoExts:         cfg.Files.VideoFormats,
		PoolSize:          cfg.Files.UploadPoolSize,
		MaxFrames:         cfg.Files.MaxFrames,
		TranscribeTimeout: time.Duration(cfg.Files.TranscribeSec) * time.Second,
	}, kimi, transcriber)

	registry := pending.NewRegistry(cfg.Files.MaxCount)
	videoWaits := pending.NewVideoWaits()
	dedup := pending.NewDedup(0)

	msgBus := bus.NewMessageBus(0)
	r := router.New(router.Config{
		Keyword:             cfg.Triggers.Keyword,
		ResetKeyword:        cfg.Triggers.ResetKeyword,
		ToggleSearchKeyword: cfg.Triggers.ToggleSearchKeyword,
		FileTriggers:        cfg.Triggers.FileTriggers,
		VideoTriggers:       cfg.Triggers.VideoTriggers,
		AllowedGroups:       cfg.Groups.Allowed,
		SummaryGroups:       cfg.Groups.SummaryGroups,
		AutoSummary:         cfg.Groups.AutoSummary,
		PrivateAutoSummary:  cfg.Groups.PrivateAutoSummary,
		ExcludeURLs:         cfg.ExcludeURLs,
		MaxFiles:            cfg.Files.MaxCount,
		CollectTimeout:      time.Duration(cfg.Files.CollectTimeoutSec) * time.Second,
		VideoWaitTimeout:    time.Duration(cfg.Files.VideoWaitSec) * time.Second,
	}, router.Deps{
		Bus:        msgBus,
		Registry:   registry,
		VideoWaits: videoWaits,
		Dedup:      dedup,
		Pipeline:   pipeline,
		Sessions:   session.NewStore(kimi, 2),
		Backend:    kimi,
		Resolver:   resolver,
		Prompts: prompt.NewAssembler(prompt.Templates{
			FileParsing: cfg.Prompts.FileParsing,
			Image:       cfg.Prompts.Image,
			Video:       cfg.Prompts.Video,
			LinkSummary: cfg.Prompts.LinkSummary,
		}, cfg.Triggers.Keyword),
	})

	manager := channels.NewManager(msgBus)
	for name, raw := range cfg.Channels {
		if err := manager.AddChannel(name, raw); err != nil {
			slog.Error("failed to add channel", "channel", name, "err", err)
			os.Exit(1)
		}
	}
	if err := manager.StartAll(ctx); err != nil {
		slog.Error("failed to start channels", "err", err)
		os.Exit(1)
	}

	reaper := cron.NewReaper(cfg.Files.StorageDir, time.Duration(cfg.Files.ReapAgeSec)*time.Second, dedup)
	if err := reaper.Start(); err != nil {
		slog.Error("failed to start reaper", "err", err)
		os.Exit(1)
	}

	go msgBus.DispatchOutbound(ctx)

	slog.Info("kimibridge started", "channels", len(cfg.Channels))
	if err := r.Run(ctx); err != nil {
		slog.Error("router stopped with error", "err", err)
	}

	reaper.Stop()
	if err := manager.StopAll(); err != nil {
		slog.Error("error stopping channels", "err", err)
	}
	msgBus.Close()
	slog.Info("kimibridge stopped")
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}
