// Package app wires the daemon: config, stores, engines, transport,
// scheduler, heartbeat, and the inbound message router.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/bobd/bob"
	"github.com/bobd/bob/embedder"
	"github.com/bobd/bob/engine/cli"
	"github.com/bobd/bob/frontend/telegram"
	"github.com/bobd/bob/internal/config"
	"github.com/bobd/bob/observer"
	"github.com/bobd/bob/recall"
	"github.com/bobd/bob/store/sqlite"
)

// retentionInterval is how often old events and messages are pruned.
const retentionInterval = 24 * time.Hour

// botCommands is the command menu registered with the transport at startup.
var botCommands = []telegram.BotCommand{
	{Command: "status", Description: "What the daemon is up to"},
	{Command: "jobs", Description: "Scheduled jobs for this chat"},
	{Command: "dnd", Description: "Quiet hours: <duration>, off, status"},
	{Command: "project", Description: "Bind this chat to a project"},
	{Command: "agent", Description: "One turn with the default engine"},
}

// App is the assembled daemon.
type App struct {
	cfg      config.Config
	logger   *slog.Logger
	store    *sqlite.Store
	tg       *telegram.Client
	engines  map[string]bob.Engine
	sessions *bob.SessionStore
	dnd      *bob.DND
	indexer  *recall.Indexer
	searcher *recall.Searcher
	sched    *bob.Scheduler
	crash    *bob.CrashMarker
	loc      *time.Location

	// inst is set in Run when the observer is enabled and initializes.
	inst *observer.Instruments
}

// New assembles the daemon from config. Nothing starts running until Run.
func New(cfg config.Config, logger *slog.Logger) (*App, error) {
	if cfg.Telegram.Token == "" {
		return nil, fmt.Errorf("app: telegram token not configured")
	}
	if logger == nil {
		logger = bob.NopLogger()
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("app: load timezone %q: %w", cfg.Timezone, err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("app: create data dir: %w", err)
	}

	store := sqlite.New(cfg.DBPath(), sqlite.WithLogger(logger))

	tg := telegram.NewClient(cfg.Telegram.Token,
		telegram.WithLogger(logger),
		telegram.WithOffsetPath(cfg.StatePath("offset")),
	)

	engines := map[string]bob.Engine{}
	for id, ec := range cfg.Engines {
		engines[id] = cli.New(cli.Config{
			ID:         id,
			Command:    ec.Command,
			Args:       ec.Args,
			ResumeFlag: ec.ResumeFlag,
			Format:     ec.Format,
		}, cli.WithLogger(logger))
	}
	if _, ok := engines[cfg.DefaultEngine]; !ok {
		return nil, fmt.Errorf("app: default engine %q not configured", cfg.DefaultEngine)
	}

	var emb bob.Embedder
	if cfg.Embedding.BaseURL != "" {
		emb = embedder.New(cfg.Embedding.BaseURL, cfg.Embedding.APIKey, cfg.Embedding.Model,
			embedder.WithLogger(logger))
	}

	dndOpts := []bob.DNDOption{bob.WithDNDLogger(logger)}
	if cfg.DND.Start != "" && cfg.DND.End != "" {
		dndOpts = append(dndOpts, bob.WithDNDWindow(cfg.DND.Start, cfg.DND.End, loc))
	}

	cwd, _ := os.Getwd()
	a := &App{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		tg:      tg,
		engines: engines,
		sessions: bob.LoadSessions(cfg.StatePath("sessions.json"), cwd,
			bob.WithSessionLogger(logger)),
		dnd: bob.NewDND(cfg.StatePath("dnd.json"), dndOpts...),
		indexer: recall.NewIndexer(store, emb,
			recall.WithIndexerLogger(logger),
			recall.WithMemoryDir(cfg.Recall.MemoryDir),
			recall.WithJournalDir(cfg.Recall.JournalDir)),
		searcher: recall.NewSearcher(store, emb, recall.WithSearcherLogger(logger)),
		crash:    bob.NewCrashMarker(cfg.StatePath("last_exit.json")),
		loc:      loc,
	}

	runnerOpts := []bob.RunnerOption{
		bob.WithRunnerLogger(logger),
		bob.WithScriptsRoot(cfg.Scripts.Root),
		bob.WithRunnerRender(telegram.RenderEntities),
		bob.WithRunnerSessions(a.sessions),
		bob.WithRunnerMessages(store),
	}
	if cfg.Recall.MemoryDir != "" {
		runnerOpts = append(runnerOpts,
			bob.WithConversationDir(filepath.Join(cfg.Recall.MemoryDir, "conversations")))
	}
	runner := bob.NewRunner(tg, a.resolveEngine, runnerOpts...)

	hbOpts := []bob.HeartbeatOption{
		bob.WithHeartbeatLogger(logger),
		bob.WithInstruction(cfg.Heartbeat.Prompt),
		bob.WithInstructionFile(cfg.Heartbeat.InstructionFile),
		bob.WithHomeChat(cfg.Telegram.HomeChatID),
	}
	schedOpts := []bob.SchedulerOption{
		bob.WithSchedulerLogger(logger),
		bob.WithDND(a.dnd),
		bob.WithPIDFile(cfg.StatePath("bob.pid")),
		bob.WithWatchPaths(cfg.Recall.MemoryDir, cfg.Recall.JournalDir),
		bob.WithReindexFunc(a.reindexCorpus),
	}
	if cfg.Observer.Enabled {
		tracer := observer.NewTracer()
		hbOpts = append(hbOpts, bob.WithHeartbeatTracer(tracer))
		schedOpts = append(schedOpts, bob.WithSchedulerTracer(tracer))
	}

	if cfg.Heartbeat.Enabled {
		heartbeat := bob.NewHeartbeat(store, store, engines[cfg.DefaultEngine], tg, hbOpts...)
		schedOpts = append(schedOpts, bob.WithEventDrainer(heartbeat))
	}
	a.sched = bob.NewScheduler(store, store, runner, schedOpts...)
	return a, nil
}

// reindexCorpus runs an incremental index pass over the recall corpus.
// Called at startup and whenever a watched corpus directory changes.
func (a *App) reindexCorpus(ctx context.Context) error {
	stats, err := a.indexer.IndexAll(ctx)
	if err != nil {
		return err
	}
	if a.inst != nil && stats.Indexed > 0 {
		a.inst.SourcesIndexed.Add(ctx, int64(stats.Indexed))
	}
	return nil
}

func (a *App) resolveEngine(id string) (bob.Engine, bool) {
	if id == "" {
		id = a.cfg.DefaultEngine
	}
	e, ok := a.engines[id]
	return e, ok
}

// Run starts the daemon and blocks until SIGINT/SIGTERM.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	defer a.store.Close()

	if err := a.store.Init(ctx); err != nil {
		return fmt.Errorf("app: init store: %w", err)
	}

	var obsShutdown func(context.Context) error
	if a.cfg.Observer.Enabled {
		inst, shutdown, err := observer.Init(ctx)
		if err != nil {
			a.logger.Warn("app: observer init failed, continuing without telemetry", "error", err)
		} else {
			a.inst = inst
			obsShutdown = shutdown
		}
	}

	crashed, err := a.crash.Begin()
	if err != nil {
		a.logger.Warn("app: crash marker", "error", err)
	}
	if crashed {
		if _, err := a.store.AddEvent(ctx, bob.EventInput{
			Kind:    bob.EventDaemonCrashed,
			Payload: fmt.Sprintf(`{"detected_at":%d}`, bob.NowUnixMilli()),
		}); err != nil {
			a.logger.Warn("app: enqueue crash event", "error", err)
		} else if a.inst != nil {
			a.inst.EventsEnqueued.Add(ctx, 1)
		}
		a.logger.Warn("app: previous run did not exit cleanly")
	}

	if err := a.reindexCorpus(ctx); err != nil {
		a.logger.Warn("app: initial index pass failed", "error", err)
	}

	if err := a.tg.SetCommands(ctx, botCommands); err != nil {
		a.logger.Warn("app: register command menu", "error", err)
	}

	go func() {
		if err := a.sched.Run(ctx); err != nil && ctx.Err() == nil {
			a.logger.Error("app: scheduler stopped", "error", err)
		}
	}()
	go a.retentionLoop(ctx)

	a.logger.Info("app: daemon started", "default_engine", a.cfg.DefaultEngine)
	for msg := range a.tg.Poll(ctx) {
		a.handle(ctx, msg)
	}

	if obsShutdown != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = obsShutdown(shutdownCtx)
		cancel()
	}
	if err := a.crash.End(); err != nil {
		a.logger.Warn("app: mark clean exit", "error", err)
	}
	a.logger.Info("app: daemon stopped")
	return nil
}

// retentionLoop prunes processed events and old messages once a day.
func (a *App) retentionLoop(ctx context.Context) {
	t := time.NewTicker(retentionInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n, err := a.store.PruneProcessed(ctx, a.cfg.Retention.EventDays); err != nil {
				a.logger.Warn("app: prune events", "error", err)
			} else if n > 0 {
				a.logger.Info("app: pruned events", "count", n)
			}
			if n, err := a.store.PruneMessages(ctx, a.cfg.Retention.MessageDays); err != nil {
				a.logger.Warn("app: prune messages", "error", err)
			} else if n > 0 {
				a.logger.Info("app: pruned messages", "count", n)
			}
		}
	}
}
