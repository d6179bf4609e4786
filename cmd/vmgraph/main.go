package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/qualys/vmgraph/internal/auth"
	"github.com/qualys/vmgraph/internal/config"
	"github.com/qualys/vmgraph/internal/graph"
	"github.com/qualys/vmgraph/internal/insightvm"
	"github.com/qualys/vmgraph/internal/models"
	"github.com/qualys/vmgraph/internal/steps"
	"github.com/qualys/vmgraph/internal/syncer"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	// Command line flags
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	once := flag.Bool("once", false, "Run one synchronization and exit")
	listStages := flag.Bool("stages", false, "Print the stage catalogue as JSON and exit")
	tokenFor := flag.String("token", "", "Issue an access token for this subject and exit")
	tokenRole := flag.String("role", string(auth.RoleViewer), "Role for -token")
	tokenTTL := flag.Duration("ttl", 24*time.Hour, "Lifetime for -token")
	hashPassword := flag.String("hash-password", "", "Print a bcrypt hash for auth.users and exit")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("vmgraph v%s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	if *hashPassword != "" {
		hash, err := auth.HashPassword(*hashPassword)
		if err != nil {
			fail("Failed to hash password: %v", err)
		}
		fmt.Println(hash)
		return
	}

	if *listStages {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(steps.Descriptors()); err != nil {
			fail("Failed to encode stages: %v", err)
		}
		return
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fail("Failed to load config: %v", err)
	}

	if *tokenFor != "" {
		role := auth.Role(*tokenRole)
		if !role.Valid() {
			fail("Unknown role %q", *tokenRole)
		}
		svc := auth.NewService(auth.Config{JWTSecret: cfg.Auth.JWTSecret})
		token, err := svc.IssueToken(*tokenFor, role, *tokenTTL)
		if err != nil {
			fail("Failed to issue token: %v", err)
		}
		fmt.Println(token.AccessToken)
		return
	}

	if !*once {
		fmt.Fprintln(os.Stderr, "nothing to do: pass -once, -stages, -token or -hash-password (the API lives in cmd/server)")
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	// Setup context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nCancelling run...")
		cancel()
	}()

	run, err := runOnce(ctx, cfg, logger)
	if run == nil {
		fail("Sync failed: %v", err)
	}

	fmt.Printf("run %s %s: %d entities, %d relationships in %s\n",
		run.ID, run.Status, run.Entities, run.Relationships, run.Duration().Round(time.Millisecond))
	if run.Status != models.RunStatusCompleted {
		if run.FailedStage != nil {
			fmt.Fprintf(os.Stderr, "failed stage: %s\n", *run.FailedStage)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(1)
	}
}

func runOnce(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*models.SyncRun, error) {
	var g graph.Store
	if cfg.Graph.Backend == config.GraphBackendMemory {
		g = graph.NewMemoryStore()
	} else {
		neo, err := graph.NewNeo4jStore(ctx, graph.Neo4jConfig{
			URI:       cfg.Neo4j.URI,
			Username:  cfg.Neo4j.User,
			Password:  cfg.Neo4j.Password,
			Database:  cfg.Neo4j.Database,
			BatchSize: cfg.Neo4j.BatchSize,
		})
		if err != nil {
			return nil, err
		}
		defer neo.Close(context.Background())
		g = neo
	}

	source, err := insightvm.New(insightvm.Config{
		Host:               cfg.InsightVM.Host,
		Username:           cfg.InsightVM.Username,
		Password:           cfg.InsightVM.Password,
		PageSize:           cfg.InsightVM.PageSize,
		Timeout:            cfg.InsightVM.Timeout,
		InsecureSkipVerify: cfg.InsightVM.InsecureSkipVerify,
	}, logger)
	if err != nil {
		return nil, err
	}

	svc := syncer.New(syncer.Config{
		Graph:  g,
		Source: source,
		Steps: steps.Config{
			Host:             cfg.InsightVM.Host,
			AccountName:      cfg.InsightVM.AccountName,
			AssetConcurrency: cfg.Sync.AssetConcurrency,
			JoinConcurrency:  cfg.Sync.JoinConcurrency,
		},
		StageConcurrency: cfg.Sync.StageConcurrency,
		RunTimeout:       cfg.Sync.RunTimeout,
		Logger:           logger,
	})

	return svc.Run(ctx, models.TriggerManual, "cli")
}

func fail(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
