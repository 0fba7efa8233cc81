// Package study runs the per-action state transitions for a learner's state.
package study

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhouzirui/study-buddy/backend/internal/metrics"
	"github.com/zhouzirui/study-buddy/backend/internal/model/study"
	"github.com/zhouzirui/study-buddy/backend/internal/service/ai"
)

// transition produces the reply for one action and mutates next in place.
type transition func(ctx context.Context, next *study.UserState, message string) string

// Machine applies transitions. Generation failures never escape: they turn into
// the action's fallback reply and the transition proceeds with it.
type Machine struct {
	engine  ai.Engine
	timeout time.Duration
	now     func() time.Time
	newID   func() string
	logger  *zap.Logger
	metrics *metrics.Metrics

	transitions map[study.Action]transition
}

// Option configures a Machine.
type Option func(*Machine)

// WithTimeout bounds each generation call. Zero disables the bound.
func WithTimeout(timeout time.Duration) Option {
	return func(m *Machine) {
		m.timeout = timeout
	}
}

// WithClock overrides the time source used for session timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		m.now = now
	}
}

// WithIDGenerator overrides session id generation.
func WithIDGenerator(newID func() string) Option {
	return func(m *Machine) {
		m.newID = newID
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Machine) {
		m.logger = logger
	}
}

// WithMetrics records fallbacks and generation latency.
func WithMetrics(mtr *metrics.Metrics) Option {
	return func(m *Machine) {
		m.metrics = mtr
	}
}

// NewMachine builds a Machine around engine. A nil engine is allowed and makes
// every transition use its fallback reply.
func NewMachine(engine ai.Engine, opts ...Option) *Machine {
	m := &Machine{
		engine:  engine,
		timeout: 60 * time.Second,
		now:     time.Now,
		newID:   newSessionID,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.Named("study")

	m.transitions = map[study.Action]transition{
		study.ActionCreatePlan:     m.createPlan,
		study.ActionRevisePlan:     m.revisePlan,
		study.ActionLogOutcome:     m.logOutcome,
		study.ActionAnalyzePattern: m.analyzePattern,
		study.ActionDirectAnswer:   m.directAnswer,
		study.ActionGeneralChat:    m.generalChat,
	}
	return m
}

// Apply runs the transition for action and returns the reply with the new state.
// state itself is left untouched.
func (m *Machine) Apply(ctx context.Context, action study.Action, state *study.UserState, message string) (string, *study.UserState) {
	next := study.NewState()
	if state != nil {
		next = state.Clone()
	}

	if !action.Valid() {
		m.logger.Warn("unknown action, using general chat", zap.String("action", string(action)))
		action = study.ActionGeneralChat
	}
	return m.transitions[action](ctx, next, message), next
}

func (m *Machine) createPlan(ctx context.Context, next *study.UserState, message string) string {
	reply := m.generate(ctx, study.ActionCreatePlan, createPlanPrompt(next), message, planTokens)
	next.AppendSession(study.Session{
		ID:        m.newID(),
		Timestamp: m.now().UnixMilli(),
		Goal:      message,
		Action:    study.ActionCreatePlan,
		Plan:      reply,
	})
	return reply
}

func (m *Machine) revisePlan(ctx context.Context, next *study.UserState, message string) string {
	reply := m.generate(ctx, study.ActionRevisePlan, revisePlanPrompt(next), message, planTokens)

	goal := message
	if last := next.LastSession(); last != nil {
		goal = last.Goal
	}
	next.AppendSession(study.Session{
		ID:        m.newID(),
		Timestamp: m.now().UnixMilli(),
		Goal:      goal,
		Action:    study.ActionRevisePlan,
		Plan:      reply,
	})
	return reply
}

func (m *Machine) logOutcome(ctx context.Context, next *study.UserState, message string) string {
	reply := m.generate(ctx, study.ActionLogOutcome, logOutcomePrompt(next), message, outcomeTokens)
	if !next.RecordOutcome(message) {
		m.logger.Debug("outcome reported without any session")
	}
	return reply
}

func (m *Machine) analyzePattern(ctx context.Context, next *study.UserState, message string) string {
	reply := m.generate(ctx, study.ActionAnalyzePattern, analyzePrompt(next), message, analysisTokens)
	next.SetAnalysis(reply)
	return reply
}

func (m *Machine) directAnswer(ctx context.Context, _ *study.UserState, message string) string {
	return m.generate(ctx, study.ActionDirectAnswer, directAnswerPrompt(), message, answerTokens)
}

func (m *Machine) generalChat(ctx context.Context, next *study.UserState, message string) string {
	return m.generate(ctx, study.ActionGeneralChat, generalChatPrompt(next), message, chatTokens)
}

// generate calls the engine with a system and a user message. Errors, timeouts
// and blank output all collapse to the action's fallback text.
func (m *Machine) generate(ctx context.Context, action study.Action, system, user string, maxTokens int) string {
	fallback := Fallback(action)
	if m.engine == nil {
		m.metrics.ObserveFallback(string(action))
		return fallback
	}

	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	started := time.Now()
	text, err := m.engine.Generate(ctx, []ai.Message{ai.SystemMessage(system), ai.UserMessage(user)}, maxTokens)
	m.metrics.ObserveGenerate(string(action), time.Since(started))

	if err != nil {
		fields := []zap.Field{zap.String("action", string(action)), zap.Error(err)}
		if errors.Is(err, context.DeadlineExceeded) {
			m.logger.Warn("generation timed out, using fallback", fields...)
		} else {
			m.logger.Warn("generation failed, using fallback", fields...)
		}
		m.metrics.ObserveFallback(string(action))
		return fallback
	}
	if strings.TrimSpace(text) == "" {
		m.logger.Warn("generation returned empty text, using fallback", zap.String("action", string(action)))
		m.metrics.ObserveFallback(string(action))
		return fallback
	}
	return text
}

// newSessionID returns a UUIDv7, which embeds the creation instant.
func newSessionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
