// Package app assembles the conversation service from configuration. It is shared
// by the HTTP server and the terminal client.
package app

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/zhouzirui/study-buddy/backend/internal/config"
	"github.com/zhouzirui/study-buddy/backend/internal/metrics"
	"github.com/zhouzirui/study-buddy/backend/internal/service/ai"
	"github.com/zhouzirui/study-buddy/backend/internal/service/chat"
	"github.com/zhouzirui/study-buddy/backend/internal/service/study"
	"github.com/zhouzirui/study-buddy/backend/internal/store"
)

// lockNamespace keeps lock keys apart from state keys.
const lockNamespace = "studybuddy:"

// App owns the long-lived components and closes them in order.
type App struct {
	Chat      *chat.Service
	Metrics   *metrics.Metrics
	store     store.Store
	persister *chat.Persister
	logger    *zap.Logger
}

// New builds the store, engine, locks and orchestrator described by cfg. A
// missing or broken engine is not fatal: every reply then uses fallback text.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, reg prometheus.Registerer) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var mtr *metrics.Metrics
	if reg != nil {
		mtr = metrics.New(reg)
	}

	st, err := store.New(cfg.Store)
	if err != nil {
		return nil, err
	}
	logger.Info("state store ready", zap.String("backend", cfg.Store.Backend))

	engine, err := ai.NewEngine(ctx, cfg.AI)
	switch {
	case errors.Is(err, ai.ErrEngineUnavailable):
		logger.Warn("generation engine not configured, replies will use fallback text", zap.Error(err))
		engine = nil
	case err != nil:
		logger.Warn("failed to initialize generation engine, continuing without it",
			zap.String("provider", cfg.AI.Provider), zap.Error(err))
		engine = nil
	default:
		logger.Info("generation engine ready", zap.String("provider", cfg.AI.Provider))
	}

	machine := study.NewMachine(engine,
		study.WithTimeout(cfg.AI.Timeout),
		study.WithLogger(logger),
		study.WithMetrics(mtr),
	)

	var locker store.DistributedLocker
	if cfg.Chat.RedisLock {
		rs, ok := st.(*store.RedisStore)
		if !ok {
			_ = st.Close()
			return nil, errors.New("redis lock requires the redis store")
		}
		locker = store.NewRedisLocker(rs.Client(), lockNamespace)
		logger.Info("distributed user lock enabled")
	}

	opts := []chat.Option{
		chat.WithLocks(store.NewKeyedMutex(locker, cfg.Chat.LockTTL)),
		chat.WithLogger(logger),
		chat.WithMetrics(mtr),
	}

	var persister *chat.Persister
	if cfg.Chat.PersistMode == config.PersistAsync {
		persister = chat.NewPersister(st, chat.PersisterConfig{
			Workers: cfg.Chat.PersistWorkers,
			Queue:   cfg.Chat.PersistQueue,
			Retries: cfg.Chat.PersistRetries,
			Backoff: cfg.Chat.PersistBackoff,
		}, logger, mtr)
		opts = append(opts, chat.WithPersister(persister))
	}

	return &App{
		Chat:      chat.NewService(st, machine, opts...),
		Metrics:   mtr,
		store:     st,
		persister: persister,
		logger:    logger,
	}, nil
}

// Close drains pending writes, then closes the store.
func (a *App) Close() error {
	var errs []error
	if a.persister != nil {
		if err := a.persister.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, err)
	}
	_ = a.logger.Sync()
	return errors.Join(errs...)
}
