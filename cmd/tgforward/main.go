package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tgforward/internal/adapter/spool"
	"tgforward/internal/adapter/sqlite"
	"tgforward/internal/adapter/stream"
	"tgforward/internal/adapter/telegram"
	"tgforward/internal/adapter/ui"
	"tgforward/internal/config"
	"tgforward/internal/domain"
	"tgforward/internal/usecase"
)

// These variables will be set by the linker during build
// -ldflags "-X main.AppID=12345 -X main.AppHash=abcdef..."
var (
	AppID   string
	AppHash string
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.ParseCLI(AppID, AppHash)
	if err != nil {
		return err
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sp, err := spool.New(cfg.SpoolDir)
	if err != nil {
		return err
	}

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	console := ui.NewConsoleUI(cfg.NonInteractive)

	client, err := telegram.NewClient(cfg.AppID, cfg.AppHash, cfg.SessionPath, sp, logger.Named("telegram"))
	if err != nil {
		return fmt.Errorf("create telegram client: %w", err)
	}

	logger.Info("connecting to telegram", zap.String("session", cfg.SessionPath))
	if err := client.Start(ctx, console); err != nil {
		return fmt.Errorf("start telegram client: %w", err)
	}
	defer client.Close()

	settings := usecase.NewSettingsHolder(domain.UploadSettings{}.Normalize())
	if err := settings.Load(ctx, store); err != nil {
		return fmt.Errorf("load upload settings: %w", err)
	}
	if s, changed := applyOverrides(settings.Get(), cfg); changed {
		if err := settings.Update(ctx, store, s); err != nil {
			return fmt.Errorf("save upload settings: %w", err)
		}
	}

	fwd := usecase.NewForwarder(client, settings.Get, logger.Named("forwarder"))

	switch cfg.Command {
	case "watch":
		return runWatch(ctx, cfg, store, client, fwd, settings, sp, logger)
	case "forward":
		return runForward(ctx, cfg, client, fwd, console, logger)
	default:
		return fmt.Errorf("unknown command: %s", cfg.Command)
	}
}

func applyOverrides(s domain.UploadSettings, cfg *config.CLIConfig) (domain.UploadSettings, bool) {
	changed := false
	if cfg.UploadThreads > 0 {
		s.Threads = cfg.UploadThreads
		changed = true
	}
	if cfg.TaskLimit > 0 {
		s.Limit = cfg.TaskLimit
		changed = true
	}
	if cfg.UploadPartKB > 0 {
		s.PartSizeKB = cfg.UploadPartKB
		changed = true
	}
	return s.Normalize(), changed
}

// runWatch starts the rule scheduler and the background task pool and blocks
// until a signal arrives.
func runWatch(
	ctx context.Context,
	cfg *config.CLIConfig,
	store *sqlite.Store,
	client *telegram.Client,
	fwd *usecase.Forwarder,
	settings *usecase.SettingsHolder,
	sp *spool.Spool,
	logger *zap.Logger,
) error {
	clock := domain.SystemClock{}

	watcher := usecase.NewWatcher(store, client, fwd, clock, usecase.WatcherConfig{
		Namespace:       cfg.Namespace,
		PageSize:        cfg.PageSize,
		QuietWindow:     cfg.QuietWindow,
		PollInterval:    cfg.PollInterval,
		RuleConcurrency: cfg.RuleConcurrency,
		Pacing:          cfg.Pacing,
	}, logger.Named("watcher"))

	queue := usecase.NewQueue(store, settings, clock, cfg.Namespace, logger.Named("queue"))

	// Artifacts and tasks left behind by a crashed process.
	if err := sp.Sweep(); err != nil {
		logger.Warn("spool sweep failed", zap.Error(err))
	}
	if err := queue.Reconcile(ctx); err != nil {
		return fmt.Errorf("reconcile tasks: %w", err)
	}

	fetcher, err := stream.NewDownloader(sp, logger.Named("stream"))
	if err != nil {
		return err
	}
	queue.Register(usecase.NewStreamRelay(fetcher, client, settings, logger.Named("stream")))

	logger.Info("watch started",
		zap.String("namespace", cfg.Namespace),
		zap.String("db", cfg.DBPath))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return watcher.Run(gctx) })
	g.Go(func() error { return queue.Run(gctx) })

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		logger.Info("watch stopped")
		return nil
	}
	return err
}

// runForward relays the given message links once and reports per-unit
// outcomes.
func runForward(
	ctx context.Context,
	cfg *config.CLIConfig,
	client *telegram.Client,
	fwd *usecase.Forwarder,
	console *ui.ConsoleUI,
	logger *zap.Logger,
) error {
	trigger := usecase.NewTrigger(client, fwd, domain.SystemClock{}, logger.Named("trigger"))

	outcomes, err := trigger.Forward(ctx, cfg.Links, cfg.Dest, domain.ForwardMode(cfg.Mode), cfg.DetectAlbum)
	if err != nil {
		return err
	}

	failed := 0
	for _, o := range outcomes {
		if o.Success {
			console.Printf("msg %d -> %v (mode=%s, downloaded=%t)",
				o.SourceMsgID, o.TargetMsgIDs, o.ModeUsed, o.Downloaded)
			continue
		}
		failed++
		console.Printf("msg %d FAILED: %v", o.SourceMsgID, o.Err)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d units failed", failed, len(outcomes))
	}
	return nil
}
