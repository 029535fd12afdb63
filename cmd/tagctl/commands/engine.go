// Package commands implements the tagctl subcommands. Runs, undos and sweeps
// execute in process against the database, bypassing the job queue.
package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/benvon/idea-tagger/internal/config"
	"github.com/benvon/idea-tagger/internal/database"
	"github.com/benvon/idea-tagger/internal/lock"
	"github.com/benvon/idea-tagger/internal/logger"
	"github.com/benvon/idea-tagger/internal/workers"
	"go.uber.org/zap"
)

// Verbose enables engine logging on stderr
var Verbose bool

// engine is the in-process tagging stack
type engine struct {
	cfg     *config.Config
	filters *database.TagFilterRepository
	tagger  *workers.BulkTagger
	sweeper *workers.Sweeper
	logger  *zap.Logger
	closers []func()
}

func (e *engine) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	_ = logger.Sync(e.logger)
}

// openEngine connects to the database and builds the tagger and sweeper. The
// sweep lock is shared with the workers through Redis when it is reachable.
func openEngine() (*engine, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log := zap.NewNop()
	if Verbose {
		if log, err = logger.NewDevelopmentLogger(true); err != nil {
			return nil, fmt.Errorf("init logger: %w", err)
		}
	}

	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	e := &engine{cfg: cfg, logger: log}
	e.closers = append(e.closers, func() {
		if err := db.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close database: %v\n", err)
		}
	})

	dict, err := db.ResolveSearchDictionary(context.Background(), cfg.SearchLanguage)
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("resolve search dictionary: %w", err)
	}
	if dict.FellBack {
		log.Warn("search_dictionary_unavailable_using_simple", zap.String("wanted", dict.Wanted))
	}

	var sweepLock workers.SweepLock = lock.NewLocalLock()
	if cfg.RedisURL != "" {
		if client, err := lock.NewRedisClient(cfg.RedisURL); err == nil {
			sweepLock = lock.NewRedisLock(client, lock.DefaultSweepKey, cfg.SweepLockTTL)
			e.closers = append(e.closers, func() { _ = client.Close() })
		} else {
			log.Warn("redis_unavailable_using_local_sweep_lock", zap.Error(err))
		}
	}

	e.filters = database.NewTagFilterRepository(db)
	e.tagger = workers.NewBulkTagger(e.filters, database.NewBulkTagRepository(db), nil, workers.BulkTaggerConfig{
		Language: dict.Dictionary,
		Timeout:  cfg.BulkTagTimeout,
	}, log)
	e.sweeper = workers.NewSweeper(e.filters, e.tagger, sweepLock, cfg.SweepConcurrency, log)
	return e, nil
}
