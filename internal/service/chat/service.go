package chat

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/zhouzirui/study-buddy/backend/internal/analysis/intent"
	"github.com/zhouzirui/study-buddy/backend/internal/metrics"
	"github.com/zhouzirui/study-buddy/backend/internal/model/study"
	studyservice "github.com/zhouzirui/study-buddy/backend/internal/service/study"
	"github.com/zhouzirui/study-buddy/backend/internal/store"
)

var (
	// ErrStoreUnavailable means no valid state could be loaded or saved.
	ErrStoreUnavailable = errors.New("state store unavailable")
	ErrUserRequired     = errors.New("user id is required")
)

// Result is what a caller gets back for one message.
type Result struct {
	Reply  string       `json:"reply"`
	Action study.Action `json:"action"`
}

// Service orchestrates one request: load, classify, transition, record the turn, persist.
type Service struct {
	store     store.Store
	locks     *store.KeyedMutex
	machine   *studyservice.Machine
	persister *Persister
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

// Option configures a Service.
type Option func(*Service)

// WithLocks replaces the default in-process per-user lock.
func WithLocks(locks *store.KeyedMutex) Option {
	return func(s *Service) {
		s.locks = locks
	}
}

// WithPersister defers writes to p. Without it writes happen inline.
func WithPersister(p *Persister) Option {
	return func(s *Service) {
		s.persister = p
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithMetrics records classified actions.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// NewService wires the orchestrator.
func NewService(s store.Store, machine *studyservice.Machine, opts ...Option) *Service {
	svc := &Service{
		store:   s,
		machine: machine,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(svc)
	}
	if svc.locks == nil {
		svc.locks = store.NewKeyedMutex(nil, 0)
	}
	if svc.logger == nil {
		svc.logger = zap.NewNop()
	}
	svc.logger = svc.logger.Named("chat")
	return svc
}

// Handle processes one message for userID. Only store failures are returned as
// errors; generation problems surface as fallback replies.
func (s *Service) Handle(ctx context.Context, userID, message string) (Result, error) {
	if userID == "" {
		return Result{}, ErrUserRequired
	}

	release, err := s.lock(ctx, userID)
	if err != nil {
		return Result{}, err
	}
	// The request runs to completion once it holds the lock.
	ctx = context.WithoutCancel(ctx)

	state, err := s.load(ctx, userID)
	if err != nil {
		release()
		return Result{}, err
	}

	action, rule := intent.Explain(state, message)
	s.metrics.ObserveAction(string(action))
	s.logger.Debug("message classified",
		zap.String("user", userID),
		zap.String("action", string(action)),
		zap.String("rule", rule),
	)

	reply, next := s.machine.Apply(ctx, action, state, message)
	next.AppendTurns(
		study.Turn{Role: study.RoleUser, Content: message},
		study.Turn{Role: study.RoleAssistant, Content: reply},
	)

	data, err := study.Encode(next)
	if err != nil {
		release()
		return Result{}, err
	}
	if err := s.persist(ctx, userID, data, release); err != nil {
		return Result{}, err
	}

	s.logger.Info("message handled",
		zap.String("user", userID),
		zap.String("action", string(action)),
		zap.Int("sessions", len(next.Sessions)),
	)
	return Result{Reply: reply, Action: action}, nil
}

// State returns the normalized state for userID, waiting for any pending write.
func (s *Service) State(ctx context.Context, userID string) (*study.UserState, error) {
	if userID == "" {
		return nil, ErrUserRequired
	}
	release, err := s.lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer release()
	return s.load(ctx, userID)
}

// Reset deletes the stored record for userID.
func (s *Service) Reset(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrUserRequired
	}
	release, err := s.lock(ctx, userID)
	if err != nil {
		return err
	}
	defer release()

	if err := s.store.Delete(ctx, userID); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	s.logger.Info("state reset", zap.String("user", userID))
	return nil
}

// Ping reports whether the state store is reachable.
func (s *Service) Ping(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *Service) lock(ctx context.Context, userID string) (func(), error) {
	unlock, err := s.locks.Lock(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return func() {
		if err := unlock(context.Background()); err != nil {
			s.logger.Warn("failed to release user lock", zap.String("user", userID), zap.Error(err))
		}
	}, nil
}

func (s *Service) load(ctx context.Context, userID string) (*study.UserState, error) {
	data, found, err := s.store.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	if !found {
		return study.NewState(), nil
	}

	state, issues := study.Decode(data)
	if issues != nil {
		s.logger.Warn("stored state normalized", zap.String("user", userID), zap.Error(issues))
	}
	return state, nil
}

// persist writes data and then calls release. In deferred mode release runs on
// the writer goroutine, so the next request for this user waits for the write.
func (s *Service) persist(ctx context.Context, userID string, data []byte, release func()) error {
	if s.persister != nil {
		err := s.persister.Enqueue(writeTask{
			userID: userID,
			data:   data,
			done:   func(error) { release() },
		})
		if err == nil {
			return nil
		}
		s.logger.Debug("writing inline", zap.String("user", userID), zap.Error(err))
	}

	defer release()
	var err error
	if s.persister != nil {
		err = s.persister.Write(ctx, userID, data)
	} else {
		err = s.store.Put(ctx, userID, data)
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return nil
}
