// Command graphsyncd runs the graph sync engine as a daemon: it restores the
// committed-state snapshot, connects the websocket change stream and keeps
// the entity store converged until shutdown, persisting a fresh snapshot on
// the way out.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/graphkit/go-graph-sync/config"
	"github.com/graphkit/go-graph-sync/coordinator"
	"github.com/graphkit/go-graph-sync/graph"
	"github.com/graphkit/go-graph-sync/logging"
	"github.com/graphkit/go-graph-sync/storage"
	"github.com/graphkit/go-graph-sync/storage/postgres"
	"github.com/graphkit/go-graph-sync/storage/sqlite"
	"github.com/graphkit/go-graph-sync/store"
	"github.com/graphkit/go-graph-sync/transport/wstransport"
)

func main() {
	configPath := flag.String("config", "graphsync.yaml", "path to the configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "graphsyncd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logging.Init(cfg.Logging)
	logger := logging.Default().WithComponent("graphsyncd")

	snapshots, err := openSnapshotStore(cfg)
	if err != nil {
		return err
	}

	st := store.New(logger.Logger)
	if snapshots != nil {
		defer snapshots.Close()
		records, err := snapshots.Load(context.Background())
		if err != nil {
			return err
		}
		st.Restore(records)
		logger.Info("restored committed snapshot", "entities", len(records))
	}

	coord := coordinator.New(st, coordinator.Options{
		ClientID:          cfg.ClientID,
		UserID:            cfg.UserID,
		ResolutionTimeout: cfg.ResolutionTimeout(),
		DefaultStrategy:   cfg.DefaultStrategy(),
		QueueDepth:        cfg.Sync.QueueDepth,
		AuditLimit:        cfg.Sync.AuditLimit,
		Logger:            logger.Logger,
	})
	defer coord.Close()

	coord.Subscribe(coordinator.Hooks{
		OnConflictRaised: func(c graph.Conflict) {
			logger.Info("conflict awaiting resolution",
				"conflict_id", c.ID,
				"entity_id", c.EntityID,
				"disputed_fields", c.DisputedFields)
		},
		OnResolved: func(r graph.Resolution) {
			logger.Info("conflict settled",
				"conflict_id", r.ConflictID,
				"entity_id", r.EntityID,
				"strategy", r.Strategy)
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Transport.URL != "" {
		client, err := wstransport.New(coord, wstransport.Options{
			URL: cfg.Transport.URL,
			Backoff: &wstransport.ExponentialBackoff{
				InitialDelay: time.Duration(cfg.Transport.ReconnectInitialMs) * time.Millisecond,
				MaxDelay:     time.Duration(cfg.Transport.ReconnectMaxMs) * time.Millisecond,
				Multiplier:   2.0,
			},
			Logger: logger.Logger,
		})
		if err != nil {
			return err
		}
		defer client.Close()

		go func() {
			if err := client.Run(ctx); err != nil && ctx.Err() == nil {
				logger.LogError(err, "change stream terminated")
			}
		}()
	} else {
		logger.Warn("no transport url configured, running without a change stream")
	}

	<-ctx.Done()
	logger.Info("shutting down")

	if snapshots != nil {
		saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := snapshots.Save(saveCtx, st.Snapshot()); err != nil {
			logger.LogError(err, "failed to persist shutdown snapshot")
		} else {
			logger.Info("persisted committed snapshot", "entities", st.Len())
		}
	}
	return nil
}

func openSnapshotStore(cfg config.Config) (storage.SnapshotStore, error) {
	switch cfg.Snapshot.Backend {
	case "sqlite":
		return sqlite.New(sqlite.Config{DataSourceName: cfg.Snapshot.DSN, EnableWAL: true})
	case "postgres":
		return postgres.New(postgres.Config{DataSourceName: cfg.Snapshot.DSN})
	default:
		return nil, nil
	}
}
