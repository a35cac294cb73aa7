// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// O365 Activity Feed Collector
//
// This is the entry point for the collector service. It:
//  1. Loads multi-tenant configuration from --config
//  2. Builds a token cache, dedup cache and output multiplexer
//  3. Ensures each tenant's configured subscriptions are active
//  4. Runs the Supervisor's cycle loop until a shutdown signal arrives
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/bcem/o365collector/internal/auth"
	"github.com/bcem/o365collector/internal/checkpoint"
	"github.com/bcem/o365collector/internal/config"
	"github.com/bcem/o365collector/internal/dedup"
	"github.com/bcem/o365collector/internal/retry"
	"github.com/bcem/o365collector/internal/sink"
	"github.com/bcem/o365collector/internal/subscription"
	"github.com/bcem/o365collector/internal/supervisor"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	slog.Info("starting o365 activity feed collector")

	flags, err := config.ParseFlags(os.Args[1:])
	if err != nil {
		slog.Error("failed to parse flags", "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load(flags)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	if !cfg.Enabled {
		slog.Info("collector disabled in configuration, exiting")
		os.Exit(0)
	}

	configureLogger(cfg)

	slog.Info("configuration loaded", "tenants", len(cfg.Tenants), "subscriptions", len(cfg.Subscriptions), "interval", cfg.Interval)

	if err := os.MkdirAll(cfg.Collect.WorkingDir, 0o755); err != nil {
		slog.Error("failed to create working directory", "error", err, "dir", cfg.Collect.WorkingDir)
		os.Exit(1)
	}

	dd, err := dedup.Open(dedup.DefaultPath(cfg.Collect.WorkingDir), cfg.Collect.CacheSize)
	if err != nil {
		slog.Error("failed to open dedup cache", "error", err)
		os.Exit(1)
	}
	defer dd.Close()

	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			slog.Error("failed to connect to redis in-flight mirror", "error", err)
			os.Exit(1)
		}
		dd.WithMirror(dedup.NewRedisMirror(rdb, "o365collector"))
		slog.Info("dedup cache sharing in-flight ids via redis mirror")
	}

	out, err := buildMultiplexer(cfg)
	if err != nil {
		slog.Error("failed to build output sinks", "error", err)
		os.Exit(1)
	}

	var subStore *subscription.Store
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("failed to connect to subscription database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		subStore, err = subscription.NewStore(context.Background(), pool)
		if err != nil {
			slog.Error("failed to initialise subscription store", "error", err)
			os.Exit(1)
		}
	}

	sup := supervisor.New(supervisor.Deps{
		Tenants:         cfg.Tenants,
		Feeds:           cfg.Subscriptions,
		Tokens:          auth.NewCache(),
		Subs:            subscription.NewManager(subStore),
		Checkpoints:     checkpoint.NewStore(cfg.Collect.WorkingDir),
		Dedup:           dd,
		Output:          out,
		Interval:        cfg.Interval,
		Retries:         cfg.Collect.Retries,
		MaxThreads:      cfg.Collect.MaxThreads,
		HoursToCollect:  time.Duration(cfg.Collect.HoursToCollect) * time.Hour,
		OnlyFutureEvent: cfg.OnlyFutureEvents,
		PublisherID:     cfg.PublisherID,
		SkipKnownLogs:   *cfg.Collect.SkipKnownLogs,
	})

	if cfg.Interactive {
		slog.Info("running a single interactive cycle")
		if err := sup.RunOnce(context.Background()); err != nil {
			slog.Error("interactive cycle failed", "error", err)
			os.Exit(2)
		}
		slog.Info("interactive cycle complete")
		return
	}

	ctx, hardCtx := shutdownContexts()
	if err := sup.Run(ctx, hardCtx); err != nil {
		slog.Error("collector exited with error", "error", err)
		os.Exit(2)
	}
	slog.Info("collector stopped")
}

// configureLogger rebuilds the default logger once config is loaded:
// debug level when log.debug is set, and log.path instead of stdout
// when one is configured. The pre-config logger already wrote any
// startup errors to stdout, so losing those lines to a file is not a
// concern here.
func configureLogger(cfg *config.Config) {
	level := slog.LevelInfo
	if cfg.Log.Debug {
		level = slog.LevelDebug
	}
	out := os.Stdout
	if cfg.Log.Path != "" {
		f, err := os.OpenFile(cfg.Log.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			slog.Error("failed to open log file, continuing on stdout", "error", err, "path", cfg.Log.Path)
		} else {
			out = f
		}
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})))
}

// shutdownContexts wires the first-signal-graceful, second-signal-hard
// shutdown idiom onto two contexts: ctx is cancelled on
// the first SIGINT/SIGTERM (stop scheduling new cycles, drain the
// in-flight one), hardCtx on the second (abort immediately).
func shutdownContexts() (ctx, hardCtx context.Context) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	hardCtx, hardCancel := context.WithCancel(context.Background())

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal, draining in-flight work", "signal", sig)
		cancel()

		sig = <-sigCh
		slog.Warn("received second shutdown signal, aborting immediately", "signal", sig)
		hardCancel()
	}()

	return ctx, hardCtx
}

// buildMultiplexer constructs every configured sink from cfg.Output and
// wraps them in a Multiplexer. Zero sinks configured is already rejected
// by config.Load.
func buildMultiplexer(cfg *config.Config) (*sink.Multiplexer, error) {
	var sinks []sink.Sink

	if cfg.Output.File != nil {
		fs, err := sink.NewFileSink(cfg.Output.File.Path, cfg.Output.File.SeparateByContentType, sink.DefaultQueueCapacity)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, fs)
	}
	if cfg.Output.Fluentd != nil {
		fs, err := sink.NewFluentdSink(cfg.Output.Fluentd.Address, cfg.Output.Fluentd.Port, sink.DefaultQueueCapacity)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, fs)
	}
	if cfg.Output.Graylog != nil {
		gs, err := sink.NewGraylogSink(cfg.Output.Graylog.Address, cfg.Output.Graylog.Port, sink.DefaultQueueCapacity)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, gs)
	}
	if cfg.Output.AzureLogAnalytics != nil {
		policy := retry.Default().WithMaxAttempts(cfg.Collect.Retries)
		as, err := sink.NewAzureLogAnalyticsSink(cfg.Output.AzureLogAnalytics.WorkspaceID, cfg.OMSKey, "", 0, policy, sink.DefaultQueueCapacity)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, as)
	}

	return sink.NewMultiplexer(sinks...), nil
}
