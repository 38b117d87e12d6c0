package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/bobd/bob"
	"github.com/bobd/bob/embedder"
	"github.com/bobd/bob/internal/app"
	"github.com/bobd/bob/internal/config"
	"github.com/bobd/bob/recall"
	"github.com/bobd/bob/store/sqlite"
)

const usage = `bob — always-on personal assistant daemon

Usage:
  bob [run]                      start the daemon (default)
  bob status                     show queue and schedule state
  bob jobs                       list all jobs
  bob jobs add [flags] <when>    schedule a job ("in 2h", "every day at 9am")
  bob jobs rm <id>               remove a job
  bob event <kind> [payload]     enqueue an event for the next heartbeat
  bob events [-all]              list events
  bob index                      reindex memory and journal files
  bob search <query>             query the recall index
  bob dnd <duration>|off|status  manage do-not-disturb

Config is read from $BOB_CONFIG or ~/.bob/bob.toml.
`

func main() {
	cfg := config.Load(os.Getenv("BOB_CONFIG"))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(),
	}))

	args := os.Args[1:]
	cmd := "run"
	if len(args) > 0 {
		cmd = args[0]
		args = args[1:]
	}

	var err error
	switch cmd {
	case "run":
		err = runDaemon(cfg, logger)
	case "status":
		err = runStatus(cfg, logger)
	case "jobs":
		err = runJobs(cfg, logger, args)
	case "event":
		err = runEvent(cfg, logger, args)
	case "events":
		err = runEvents(cfg, logger, args)
	case "index":
		err = runIndex(cfg, logger)
	case "search":
		err = runSearch(cfg, logger, args)
	case "dnd":
		err = runDND(cfg, args)
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func logLevel() slog.Level {
	if v := os.Getenv("BOB_LOG_LEVEL"); strings.EqualFold(v, "debug") {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

func runDaemon(cfg config.Config, logger *slog.Logger) error {
	a, err := app.New(cfg, logger)
	if err != nil {
		return err
	}
	return a.Run(context.Background())
}

// openStore opens the database for one-shot CLI commands.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (*sqlite.Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, err
	}
	store := sqlite.New(cfg.DBPath(), sqlite.WithLogger(logger))
	if err := store.Init(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

func runStatus(cfg config.Config, logger *slog.Logger) error {
	ctx := context.Background()
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		loc = time.UTC
	}

	pending, err := store.CountPending(ctx, bob.NowUnixMilli())
	if err != nil {
		return err
	}
	fmt.Printf("pending events: %d\n", pending)

	if at, ok, err := store.NextDueAt(ctx); err != nil {
		return err
	} else if ok {
		fmt.Printf("next job:       %s\n", time.UnixMilli(at).In(loc).Format(time.RFC822))
	} else {
		fmt.Println("next job:       none scheduled")
	}

	dnd := bob.NewDND(cfg.StatePath("dnd.json"))
	if st := dnd.Status(time.Now()); st.Active {
		fmt.Printf("quiet until:    %s (%s)\n",
			time.UnixMilli(st.EndsAt).In(loc).Format("15:04"), st.Reason)
	}
	return nil
}

func runJobs(cfg config.Config, logger *slog.Logger, args []string) error {
	ctx := context.Background()

	if len(args) == 0 || args[0] == "list" {
		store, err := openStore(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer store.Close()
		return listJobs(ctx, cfg, store)
	}

	switch args[0] {
	case "add":
		return addJob(ctx, cfg, logger, args[1:])
	case "rm":
		if len(args) < 2 {
			return fmt.Errorf("usage: bob jobs rm <id>")
		}
		store, err := openStore(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer store.Close()
		removed, err := store.RemoveJob(ctx, args[1])
		if err != nil {
			return err
		}
		if !removed {
			return fmt.Errorf("no job %s", args[1])
		}
		fmt.Println("removed", args[1])
		nudgeDaemon(cfg)
		return nil
	default:
		return fmt.Errorf("usage: bob jobs [list|add|rm]")
	}
}

func listJobs(ctx context.Context, cfg config.Config, store *sqlite.Store) error {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		loc = time.UTC
	}
	jobs, err := store.ListJobs(ctx)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Println("no jobs")
		return nil
	}
	for _, j := range jobs {
		state := "on"
		if !j.Enabled {
			state = "off"
		}
		next := "-"
		if j.NextRunAt > 0 {
			next = time.UnixMilli(j.NextRunAt).In(loc).Format(time.RFC822)
		}
		fmt.Printf("%s  %-12s %-5s %-22s [%s]  next %s\n",
			j.ID, j.Type, j.ScheduleKind, j.ScheduleSpec, state, next)
	}
	return nil
}

func addJob(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("jobs add", flag.ExitOnError)
	jobType := fs.String("type", "send_message", "job type: send_message, agent_turn, script")
	text := fs.String("text", "", "message body or agent prompt")
	script := fs.String("script", "", "script path relative to the scripts root")
	chatID := fs.Int64("chat", 0, "target chat id (0 = system, never notifies)")
	urgent := fs.Bool("urgent", false, "bypass do-not-disturb")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("usage: bob jobs add [flags] <when>")
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		loc = time.UTC
	}
	sched, err := bob.ParseSchedule(strings.Join(fs.Args(), " "), time.Now().In(loc))
	if err != nil {
		return err
	}

	payload := bob.JobPayload{Text: *text, Script: *script, Urgent: *urgent}
	raw, err := jsonPayload(payload)
	if err != nil {
		return err
	}

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	job, err := store.AddJob(ctx, bob.JobInput{
		ChatID:       *chatID,
		ScheduleKind: sched.Kind,
		ScheduleSpec: sched.Spec,
		Type:         bob.JobType(*jobType),
		Payload:      raw,
	})
	if err != nil {
		return err
	}
	fmt.Printf("added %s  %s %s  next %s\n",
		job.ID, job.ScheduleKind, job.ScheduleSpec,
		time.UnixMilli(job.NextRunAt).In(loc).Format(time.RFC822))
	nudgeDaemon(cfg)
	return nil
}

func runEvent(cfg config.Config, logger *slog.Logger, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: bob event <kind> [payload-json]")
	}
	payload := "{}"
	if len(args) > 1 {
		payload = args[1]
	}
	ctx := context.Background()
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	ev, err := store.AddEvent(ctx, bob.EventInput{Kind: args[0], Payload: payload})
	if err != nil {
		return err
	}
	fmt.Println("enqueued", ev.ID)
	nudgeDaemon(cfg)
	return nil
}

func runEvents(cfg config.Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	all := fs.Bool("all", false, "include processed events")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	events, err := store.ListEvents(ctx, *all)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Println("no events")
		return nil
	}
	for _, ev := range events {
		state := "pending"
		switch {
		case ev.ProcessedAt > 0:
			state = "processed"
		case ev.ClaimToken != "":
			state = "claimed"
		}
		fmt.Printf("%s  %-20s %-9s %s\n",
			ev.ID, ev.Kind, state,
			time.UnixMilli(ev.CreatedAt).Format(time.RFC822))
	}
	return nil
}

func runIndex(cfg config.Config, logger *slog.Logger) error {
	ctx := context.Background()
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	indexer := recall.NewIndexer(store, newEmbedder(cfg, logger),
		recall.WithIndexerLogger(logger),
		recall.WithMemoryDir(cfg.Recall.MemoryDir),
		recall.WithJournalDir(cfg.Recall.JournalDir),
	)
	stats, err := indexer.IndexAll(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("scanned %d  indexed %d  skipped %d  embedded %d\n",
		stats.Scanned, stats.Indexed, stats.Skipped, stats.Embedded)
	return nil
}

func runSearch(cfg config.Config, logger *slog.Logger, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: bob search <query>")
	}
	query := strings.Join(args, " ")

	ctx := context.Background()
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	searcher := recall.NewSearcher(store, newEmbedder(cfg, logger),
		recall.WithSearcherLogger(logger))
	hits, err := searcher.Search(ctx, query, cfg.Recall.TopK)
	if err != nil {
		return err
	}
	if len(hits) == 0 {
		fmt.Println("no results")
		return nil
	}
	for i, h := range hits {
		trail := h.Title
		if len(h.Breadcrumbs) > 0 {
			trail = strings.Join(h.Breadcrumbs, " > ") + " > " + h.Title
		}
		fmt.Printf("%2d. [%.4f %-6s] %s (%s)\n    %s\n",
			i+1, h.Score, h.MatchType, trail, h.Source, h.Preview)
	}
	return nil
}

func runDND(cfg config.Config, args []string) error {
	dnd := bob.NewDND(cfg.StatePath("dnd.json"))

	if len(args) == 0 || args[0] == "status" {
		st := dnd.Status(time.Now())
		if !st.Active {
			fmt.Println("do-not-disturb: off")
			return nil
		}
		fmt.Printf("do-not-disturb: until %s (%s)\n",
			time.UnixMilli(st.EndsAt).Format("15:04"), st.Reason)
		return nil
	}
	if args[0] == "off" {
		if err := dnd.ClearAdhoc(); err != nil {
			return err
		}
		fmt.Println("cleared")
		return nil
	}

	d, err := time.ParseDuration(args[0])
	if err != nil || d <= 0 {
		return fmt.Errorf("usage: bob dnd <duration>|off|status")
	}
	until := time.Now().Add(d)
	if err := dnd.SetAdhoc(until.UnixMilli(), "requested"); err != nil {
		return err
	}
	fmt.Printf("quiet until %s\n", until.Format("15:04"))
	return nil
}

func jsonPayload(p bob.JobPayload) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// nudgeDaemon wakes a running daemon via SIGUSR1 so it notices new work
// without waiting out its sleep. No daemon running is fine.
func nudgeDaemon(cfg config.Config) {
	data, err := os.ReadFile(cfg.StatePath("bob.pid"))
	if err != nil {
		return
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return
	}
	_ = proc.Signal(syscall.SIGUSR1)
}

// newEmbedder returns the configured embedding client, or nil when embedding
// is disabled (keyword-only recall).
func newEmbedder(cfg config.Config, logger *slog.Logger) bob.Embedder {
	if cfg.Embedding.BaseURL == "" {
		return nil
	}
	return embedder.New(cfg.Embedding.BaseURL, cfg.Embedding.APIKey, cfg.Embedding.Model,
		embedder.WithLogger(logger))
}
