package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/study-buddy/backend/internal/metrics"
	"github.com/zhouzirui/study-buddy/backend/internal/store"
)

var (
	// ErrPersisterClosed is returned by Enqueue after Close.
	ErrPersisterClosed = errors.New("persister closed")
	errQueueFull       = errors.New("persist queue full")
)

// writeTask is one deferred state write. done runs exactly once after the write
// finished or was abandoned, and releases the user's lock.
type writeTask struct {
	userID string
	data   []byte
	done   func(err error)
}

// PersisterConfig tunes the background writer.
type PersisterConfig struct {
	Workers int
	Queue   int
	Retries int
	Backoff time.Duration
}

// Persister writes state records after the reply has been returned. A task
// accepted by Enqueue is retried until it is stored; only Close cuts that short,
// after which queued tasks get one bounded round of attempts.
type Persister struct {
	store   store.Store
	cfg     PersisterConfig
	logger  *zap.Logger
	metrics *metrics.Metrics

	tasks  chan writeTask
	quit   chan struct{}
	group  *errgroup.Group
	mu     sync.RWMutex
	closed bool
}

// NewPersister starts cfg.Workers writers against s.
func NewPersister(s store.Store, cfg PersisterConfig, logger *zap.Logger, mtr *metrics.Metrics) *Persister {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Queue < 0 {
		cfg.Queue = 0
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Persister{
		store:   s,
		cfg:     cfg,
		logger:  logger.Named("persister"),
		metrics: mtr,
		tasks:   make(chan writeTask, cfg.Queue),
		quit:    make(chan struct{}),
		group:   &errgroup.Group{},
	}
	for i := 0; i < cfg.Workers; i++ {
		p.group.Go(p.work)
	}
	return p
}

// Enqueue hands task to a writer. It fails fast when the queue is full or closed
// so the caller can write inline instead.
func (p *Persister) Enqueue(task writeTask) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPersisterClosed
	}

	select {
	case p.tasks <- task:
		p.metrics.PendingDelta(1)
		return nil
	default:
		return errQueueFull
	}
}

// Write stores data for userID, retrying with linear backoff.
func (p *Persister) Write(ctx context.Context, userID string, data []byte) error {
	var err error
	for attempt := 0; attempt <= p.cfg.Retries; attempt++ {
		if attempt > 0 {
			p.metrics.ObservePersistRetry()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * p.cfg.Backoff):
			}
		}
		if err = p.store.Put(ctx, userID, data); err == nil {
			return nil
		}
		p.logger.Warn("state write failed",
			zap.String("user", userID),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	p.metrics.ObservePersistFailure()
	return err
}

// Close stops accepting tasks and waits for queued ones to finish.
func (p *Persister) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.tasks)
	close(p.quit)
	p.mu.Unlock()

	return p.group.Wait()
}

func (p *Persister) work() error {
	for task := range p.tasks {
		err := p.writeUntilStored(task.userID, task.data)
		if err != nil {
			p.logger.Error("state write abandoned at shutdown", zap.String("user", task.userID), zap.Error(err))
		}
		task.done(err)
		p.metrics.PendingDelta(-1)
	}
	return nil
}

// writeUntilStored repeats bounded Write rounds until one succeeds. The caller was
// already answered, so the write is given up only once Close has run. Writes are
// detached from the request context.
func (p *Persister) writeUntilStored(userID string, data []byte) error {
	for round := 0; ; round++ {
		err := p.Write(context.Background(), userID, data)
		if err == nil {
			if round > 0 {
				p.logger.Info("state write recovered", zap.String("user", userID), zap.Int("rounds", round+1))
			}
			return nil
		}
		if round == 0 {
			p.logger.Error("state write failing, user held until it is stored", zap.String("user", userID), zap.Error(err))
		}

		select {
		case <-p.quit:
			return err
		case <-time.After(p.roundPause()):
		}
	}
}

func (p *Persister) roundPause() time.Duration {
	pause := time.Duration(p.cfg.Retries+1) * p.cfg.Backoff
	if pause <= 0 {
		pause = 50 * time.Millisecond
	}
	return pause
}
