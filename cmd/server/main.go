package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/qualys/vmgraph/internal/api"
	"github.com/qualys/vmgraph/internal/auth"
	"github.com/qualys/vmgraph/internal/config"
	"github.com/qualys/vmgraph/internal/graph"
	"github.com/qualys/vmgraph/internal/insightvm"
	"github.com/qualys/vmgraph/internal/models"
	"github.com/qualys/vmgraph/internal/notifications"
	"github.com/qualys/vmgraph/internal/queue"
	"github.com/qualys/vmgraph/internal/scheduler"
	"github.com/qualys/vmgraph/internal/steps"
	"github.com/qualys/vmgraph/internal/store"
	"github.com/qualys/vmgraph/internal/syncer"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		cancel()
	}()

	graphStore, err := openGraph(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open graph: %v", err)
	}
	defer graphStore.Close(context.Background())

	source, err := insightvm.New(insightvm.Config{
		Host:               cfg.InsightVM.Host,
		Username:           cfg.InsightVM.Username,
		Password:           cfg.InsightVM.Password,
		PageSize:           cfg.InsightVM.PageSize,
		Timeout:            cfg.InsightVM.Timeout,
		InsecureSkipVerify: cfg.InsightVM.InsecureSkipVerify,
	}, logger)
	if err != nil {
		log.Fatalf("Failed to create InsightVM client: %v", err)
	}

	db, err := store.New(store.Config{
		DSN:          cfg.Database.DSN(),
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.EnsureSchema(ctx); err != nil {
		log.Fatalf("Failed to create run schema: %v", err)
	}
	// Runs still marked running belonged to a process that died.
	if n, err := db.FailAbandonedRuns(ctx, time.Now()); err != nil {
		logger.Error("failed to close abandoned runs", "error", err)
	} else if n > 0 {
		logger.Warn("marked abandoned runs failed", "count", n)
	}

	jobStore := scheduler.NewPostgresStore(db.DB())
	if err := jobStore.EnsureSchema(ctx); err != nil {
		log.Fatalf("Failed to create scheduler schema: %v", err)
	}

	q, err := queue.New(queue.Config{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	defer q.Close()

	notifier := notifications.NewService(notifications.Config{
		OnSuccess: cfg.Notifications.OnSuccess,
		Slack: notifications.SlackConfig{
			Enabled:    cfg.Notifications.Slack.Enabled,
			WebhookURL: cfg.Notifications.Slack.WebhookURL,
			Channel:    cfg.Notifications.Slack.Channel,
			Username:   "vmgraph",
		},
		Email: notifications.EmailConfig{
			Enabled:  cfg.Notifications.Email.Enabled,
			SMTPHost: cfg.Notifications.Email.SMTPHost,
			SMTPPort: cfg.Notifications.Email.SMTPPort,
			Username: cfg.Notifications.Email.Username,
			Password: cfg.Notifications.Email.Password,
			From:     cfg.Notifications.Email.From,
			To:       cfg.Notifications.Email.To,
		},
	}, logger)

	svc := syncer.New(syncer.Config{
		Graph:  graphStore,
		Source: source,
		Steps: steps.Config{
			Host:             cfg.InsightVM.Host,
			AccountName:      cfg.InsightVM.AccountName,
			AssetConcurrency: cfg.Sync.AssetConcurrency,
			JoinConcurrency:  cfg.Sync.JoinConcurrency,
		},
		Runs:             db,
		Progress:         q,
		Queue:            q,
		Notifier:         notifier,
		StageConcurrency: cfg.Sync.StageConcurrency,
		RunTimeout:       cfg.Sync.RunTimeout,
		Logger:           logger,
	})

	workers := make([]*queue.Worker, 0, cfg.Sync.Workers)
	for i := 0; i < cfg.Sync.Workers; i++ {
		w := queue.NewWorker(queue.WorkerConfig{
			Queue:        q,
			Executor:     svc,
			StaleTimeout: cfg.Sync.RunTimeout,
		})
		if err := w.Start(ctx); err != nil {
			log.Fatalf("Failed to start worker: %v", err)
		}
		workers = append(workers, w)
	}

	sched := scheduler.NewScheduler(jobStore, logger)
	handlers := &scheduler.DefaultHandlers{
		SyncFunc: func(ctx context.Context, triggeredBy string) (string, error) {
			run, err := svc.Trigger(ctx, models.TriggerSchedule, triggeredBy)
			if err != nil {
				return "", err
			}
			return run.ID.String(), nil
		},
		CleanupFunc: func(ctx context.Context, olderThan time.Duration) (int64, error) {
			return db.DeleteRunsBefore(ctx, time.Now().Add(-olderThan))
		},
		RetentionDays: cfg.Sync.RetentionDays,
	}
	handlers.Register(sched)

	if cfg.Sync.Schedule != "" {
		if err := sched.EnsureJob(ctx, &scheduler.Job{
			ID:          scheduler.DefaultSyncJobID,
			Name:        "InsightVM sync",
			Description: "Synchronize the InsightVM console into the graph",
			Schedule:    cfg.Sync.Schedule,
			JobType:     scheduler.JobTypeSync,
			Enabled:     true,
		}); err != nil {
			log.Fatalf("Failed to seed sync job: %v", err)
		}
	}

	if err := sched.Start(ctx); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}

	server, err := api.NewServer(cfg, api.Deps{
		Runs:      db,
		Syncer:    svc,
		Scheduler: sched,
		Auth: auth.NewService(auth.Config{
			JWTSecret:         cfg.Auth.JWTSecret,
			AccessTokenExpiry: cfg.Auth.AccessTokenExpiry,
			Users:             cfg.Auth.Users,
		}),
		Queue: q,
		Graph: graphStore,
		Checks: map[string]func(context.Context) error{
			"database": db.Ping,
			"redis":    q.Ping,
			"graph":    graphStore.Ping,
		},
	}, api.WithLogger(logger))
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	logger.Info("starting vmgraph server", "host", cfg.Server.Host, "port", cfg.Server.Port, "graph", cfg.Graph.Backend)
	if err := server.Run(ctx); err != nil {
		logger.Error("server failed", "error", err)
	}
	cancel()

	sched.Stop()
	for _, w := range workers {
		w.Stop()
	}
	for _, id := range svc.Running() {
		_ = svc.Cancel(context.Background(), id)
	}
	svc.Wait()
}

// graphBackend is what the server needs from a graph store beyond the
// stage contract.
type graphBackend interface {
	graph.Store
	graph.Counter
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

type memoryBackend struct {
	*graph.MemoryStore
}

func (memoryBackend) Ping(context.Context) error  { return nil }
func (memoryBackend) Close(context.Context) error { return nil }

func openGraph(ctx context.Context, cfg *config.Config) (graphBackend, error) {
	if cfg.Graph.Backend == config.GraphBackendMemory {
		slog.Warn("using in-memory graph; data is lost on exit")
		return memoryBackend{graph.NewMemoryStore()}, nil
	}

	g, err := graph.NewNeo4jStore(ctx, graph.Neo4jConfig{
		URI:       cfg.Neo4j.URI,
		Username:  cfg.Neo4j.User,
		Password:  cfg.Neo4j.Password,
		Database:  cfg.Neo4j.Database,
		BatchSize: cfg.Neo4j.BatchSize,
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}
