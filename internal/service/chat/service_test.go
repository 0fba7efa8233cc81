package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/study-buddy/backend/internal/model/study"
	"github.com/zhouzirui/study-buddy/backend/internal/service/ai"
	studyservice "github.com/zhouzirui/study-buddy/backend/internal/service/study"
	"github.com/zhouzirui/study-buddy/backend/internal/store"
)

type echoEngine struct {
	calls atomic.Int32
}

func (e *echoEngine) Generate(_ context.Context, messages []ai.Message, _ int) (string, error) {
	n := e.calls.Add(1)
	return fmt.Sprintf("reply %d: %s", n, messages[len(messages)-1].Content), nil
}

// flakyStore fails the first failPuts writes and can fail every read.
type flakyStore struct {
	store.Store
	mu       sync.Mutex
	failPuts int
	failGets bool
	puts     int
}

var errBackend = errors.New("backend down")

func (s *flakyStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if s.failGets {
		return nil, false, errBackend
	}
	return s.Store.Get(ctx, key)
}

func (s *flakyStore) Put(ctx context.Context, key string, data []byte) error {
	s.mu.Lock()
	s.puts++
	fail := s.puts <= s.failPuts
	s.mu.Unlock()
	if fail {
		return errBackend
	}
	return s.Store.Put(ctx, key, data)
}

func newTestService(t *testing.T, s store.Store, async bool) *Service {
	t.Helper()
	opts := []Option{}
	if async {
		p := NewPersister(s, PersisterConfig{Workers: 2, Queue: 8}, nil, nil)
		t.Cleanup(func() { _ = p.Close() })
		opts = append(opts, WithPersister(p))
	}
	return NewService(s, studyservice.NewMachine(&echoEngine{}), opts...)
}

func runScenario(t *testing.T, svc *Service) {
	t.Helper()
	ctx := context.Background()
	steps := []struct {
		message string
		action  study.Action
	}{
		{"I have 60 minutes to study binary search.", study.ActionCreatePlan},
		{"Make the plan faster and more practical.", study.ActionRevisePlan},
		{"I got most of it done but slowed down at the end.", study.ActionLogOutcome},
		{"Analyze my study habits so far.", study.ActionAnalyzePattern},
	}
	for _, step := range steps {
		result, err := svc.Handle(ctx, "learner", step.message)
		require.NoError(t, err)
		assert.Equal(t, step.action, result.Action, step.message)
		assert.NotEmpty(t, result.Reply)
	}

	state, err := svc.State(ctx, "learner")
	require.NoError(t, err)
	require.Len(t, state.Sessions, 2)
	assert.Nil(t, state.Sessions[0].OutcomeNote)
	require.NotNil(t, state.Sessions[1].OutcomeNote)
	assert.Equal(t, "I got most of it done but slowed down at the end.", *state.Sessions[1].OutcomeNote)
	require.NotNil(t, state.LastSession())
	assert.Equal(t, state.Sessions[1].ID, state.LastSession().ID)
	require.NotNil(t, state.LastAnalysis)
	assert.Len(t, state.RecentHistory, 8)
}

func TestHandleScenarioInline(t *testing.T) {
	runScenario(t, newTestService(t, store.NewMemory(), false))
}

func TestHandleScenarioDeferred(t *testing.T) {
	runScenario(t, newTestService(t, store.NewMemory(), true))
}

func TestHandleRecordsTurns(t *testing.T) {
	svc := newTestService(t, store.NewMemory(), false)
	result, err := svc.Handle(context.Background(), "learner", "hello")
	require.NoError(t, err)
	assert.Equal(t, study.ActionGeneralChat, result.Action)

	state, err := svc.State(context.Background(), "learner")
	require.NoError(t, err)
	assert.Equal(t, []study.Turn{
		{Role: study.RoleUser, Content: "hello"},
		{Role: study.RoleAssistant, Content: result.Reply},
	}, state.RecentHistory)
}

func TestHistoryStaysBounded(t *testing.T) {
	svc := newTestService(t, store.NewMemory(), true)
	for i := 0; i < 20; i++ {
		_, err := svc.Handle(context.Background(), "learner", fmt.Sprintf("hello %d", i))
		require.NoError(t, err)

		state, err := svc.State(context.Background(), "learner")
		require.NoError(t, err)
		assert.LessOrEqual(t, len(state.RecentHistory), study.MaxRecentHistory)
	}

	state, err := svc.State(context.Background(), "learner")
	require.NoError(t, err)
	require.Len(t, state.RecentHistory, study.MaxRecentHistory)
	assert.Equal(t, "hello 19", state.RecentHistory[6].Content)
}

func TestConcurrentRequestsDoNotLoseUpdates(t *testing.T) {
	svc := newTestService(t, store.NewMemory(), true)

	const requests = 16
	var wg sync.WaitGroup
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Handle(context.Background(), "learner", "I have 60 minutes to study binary search.")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	state, err := svc.State(context.Background(), "learner")
	require.NoError(t, err)
	assert.Len(t, state.Sessions, requests)
}

func TestUsersAreIsolated(t *testing.T) {
	svc := newTestService(t, store.NewMemory(), false)
	_, err := svc.Handle(context.Background(), "alice", "I have 60 minutes to study graphs.")
	require.NoError(t, err)

	state, err := svc.State(context.Background(), "bob")
	require.NoError(t, err)
	assert.Empty(t, state.Sessions)
	assert.Empty(t, state.RecentHistory)
}

func TestHandleNormalizesStoredRecord(t *testing.T) {
	mem := store.NewMemory()
	legacy := `{"profile":"broken","recentHistory":[{"role":"system","content":"x"}],` +
		`"sessions":[{"id":"s1","timestamp":1,"goal":"graphs","action":"create_plan","plan":"p","outcomeNote":null}],` +
		`"lastSession":{"id":"s1","timestamp":1,"goal":"graphs","action":"create_plan","plan":"p","outcomeNote":null}}`
	require.NoError(t, mem.Put(context.Background(), "learner", []byte(legacy)))

	svc := newTestService(t, mem, false)
	result, err := svc.Handle(context.Background(), "learner", "I finished it all")
	require.NoError(t, err)
	assert.Equal(t, study.ActionLogOutcome, result.Action)

	state, err := svc.State(context.Background(), "learner")
	require.NoError(t, err)
	require.Len(t, state.Sessions, 1)
	require.NotNil(t, state.Sessions[0].OutcomeNote)
	assert.Equal(t, "I finished it all", *state.Sessions[0].OutcomeNote)
	assert.Len(t, state.RecentHistory, 2)
}

func TestStoreUnavailable(t *testing.T) {
	s := &flakyStore{Store: store.NewMemory(), failGets: true}
	svc := newTestService(t, s, false)

	_, err := svc.Handle(context.Background(), "learner", "hello")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, err, errBackend)

	_, err = svc.State(context.Background(), "learner")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestInlineWriteFailure(t *testing.T) {
	s := &flakyStore{Store: store.NewMemory(), failPuts: 1}
	svc := newTestService(t, s, false)

	_, err := svc.Handle(context.Background(), "learner", "hello")
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	// The lock was released: the next request goes through.
	_, err = svc.Handle(context.Background(), "learner", "hello again")
	assert.NoError(t, err)
}

func TestDeferredWriteSurvivesStoreOutage(t *testing.T) {
	s := &flakyStore{Store: store.NewMemory(), failPuts: 3}
	p := NewPersister(s, PersisterConfig{Workers: 1, Queue: 4, Retries: 1, Backoff: time.Millisecond}, nil, nil)
	t.Cleanup(func() { _ = p.Close() })
	svc := NewService(s, studyservice.NewMachine(&echoEngine{}), WithPersister(p))

	result, err := svc.Handle(context.Background(), "learner", "I have 60 minutes to study graphs.")
	require.NoError(t, err)
	assert.Equal(t, study.ActionCreatePlan, result.Action)

	// State waits on the user lock, which the writer holds until the record is stored.
	state, err := svc.State(context.Background(), "learner")
	require.NoError(t, err)
	assert.Len(t, state.Sessions, 1)
	assert.Len(t, state.RecentHistory, 2)
}

func TestEmptyUserRejected(t *testing.T) {
	svc := newTestService(t, store.NewMemory(), false)
	_, err := svc.Handle(context.Background(), "", "hello")
	assert.ErrorIs(t, err, ErrUserRequired)
	_, err = svc.State(context.Background(), "")
	assert.ErrorIs(t, err, ErrUserRequired)
	assert.ErrorIs(t, svc.Reset(context.Background(), ""), ErrUserRequired)
}

func TestReset(t *testing.T) {
	svc := newTestService(t, store.NewMemory(), true)
	_, err := svc.Handle(context.Background(), "learner", "I have 60 minutes to study graphs.")
	require.NoError(t, err)

	require.NoError(t, svc.Reset(context.Background(), "learner"))

	state, err := svc.State(context.Background(), "learner")
	require.NoError(t, err)
	assert.Empty(t, state.Sessions)
	assert.Nil(t, state.LastSession())
}

func TestEngineFailureStillPersists(t *testing.T) {
	svc := NewService(store.NewMemory(), studyservice.NewMachine(nil))
	result, err := svc.Handle(context.Background(), "learner", "I have 60 minutes to study graphs.")
	require.NoError(t, err)
	assert.Equal(t, studyservice.Fallback(study.ActionCreatePlan), result.Reply)

	state, err := svc.State(context.Background(), "learner")
	require.NoError(t, err)
	require.Len(t, state.Sessions, 1)
	assert.Equal(t, result.Reply, state.Sessions[0].Plan)
}

func TestCanceledRequestRunsToCompletion(t *testing.T) {
	svc := newTestService(t, store.NewMemory(), false)
	ctx, cancel := context.WithCancel(context.Background())

	unlock, err := svc.locks.Lock(context.Background(), "learner")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := svc.Handle(ctx, "learner", "hello")
		done <- err
	}()

	// Cancel while the request waits for the lock, then let it in.
	time.Sleep(20 * time.Millisecond)
	cancel()
	require.NoError(t, unlock(context.Background()))

	require.NoError(t, <-done)
	state, err := svc.State(context.Background(), "learner")
	require.NoError(t, err)
	assert.Len(t, state.RecentHistory, 2)
}
