package cron

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shuttleci.dev/core/log"
	"shuttleci.dev/core/workflow"
)

type fakeStore struct {
	defs map[string]string
}

func (s *fakeStore) GetDefinition(_ context.Context, flowID string) (string, error) {
	raw, ok := s.defs[flowID]
	if !ok {
		return "", errors.New("not found")
	}
	return raw, nil
}

type fakePublisher struct {
	mu   sync.Mutex
	reqs []JobRequest
}

func (p *fakePublisher) Publish(_ context.Context, req JobRequest) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reqs = append(p.reqs, req)
}

func (p *fakePublisher) published() []JobRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]JobRequest(nil), p.reqs...)
}

// fakeLocker mimics the create-if-absent contest across replicas.
type fakeLocker struct {
	mu       sync.Mutex
	held     map[string]bool
	released []string
	fail     bool
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: make(map[string]bool)}
}

func (l *fakeLocker) Acquire(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail {
		return false, errors.New("coordination unreachable")
	}
	if l.held[key] {
		return false, nil
	}
	l.held[key] = true
	return true, nil
}

func (l *fakeLocker) Release(_ context.Context, key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
	l.released = append(l.released, key)
}

func testScheduler(store *fakeStore, pub *fakePublisher, locker Locker) *Scheduler {
	return New(store, pub, locker, log.New("cron-test"))
}

// yearly, so test registrations never actually fire
const idleExpr = "0 0 1 1 *"

func TestValidate(t *testing.T) {
	s := testScheduler(&fakeStore{}, &fakePublisher{}, newFakeLocker())

	assert.NoError(t, s.Validate("*/5 * * * *"))
	assert.NoError(t, s.Validate("0 3 * * 1"))
	assert.Error(t, s.Validate("not a cron"))
	assert.Error(t, s.Validate("* * * * * *"), "seconds field is not part of the dialect")
}

func TestSetAndCancel(t *testing.T) {
	s := testScheduler(&fakeStore{}, &fakePublisher{}, newFakeLocker())

	require.NoError(t, s.Set(Schedule{FlowID: "f1", FlowName: "ci", Expr: idleExpr}))
	assert.Len(t, s.regs, 1)

	// a new registration supersedes the old one
	require.NoError(t, s.Set(Schedule{FlowID: "f1", FlowName: "ci", Expr: idleExpr}))
	assert.Len(t, s.regs, 1)

	s.Cancel("f1")
	assert.Empty(t, s.regs)

	// idempotent under repeats and unknown ids
	s.Cancel("f1")
	s.Cancel("never-registered")
}

func TestSet_SupersededTimerIsStopped(t *testing.T) {
	s := testScheduler(&fakeStore{}, &fakePublisher{}, newFakeLocker())
	defer s.Cancel("f1")

	require.NoError(t, s.Set(Schedule{FlowID: "f1", FlowName: "ci", Expr: idleExpr}))
	s.mu.Lock()
	first := s.regs["f1"]
	s.mu.Unlock()

	require.NoError(t, s.Set(Schedule{FlowID: "f1", FlowName: "ci", Expr: idleExpr}))

	select {
	case <-first:
	default:
		t.Fatal("superseded stop channel must be closed so its timer goroutine exits")
	}
}

func TestSet_ConcurrentSupersede(t *testing.T) {
	s := testScheduler(&fakeStore{}, &fakePublisher{}, newFakeLocker())

	before := runtime.NumGoroutine()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; n < 200; n++ {
				assert.NoError(t, s.Set(Schedule{FlowID: "f1", FlowName: "ci", Expr: idleExpr}))
			}
		}()
	}
	wg.Wait()

	assert.Len(t, s.regs, 1)
	s.Cancel("f1")
	assert.Empty(t, s.regs)

	// every registration that lost the race must have been closed, so
	// no timer goroutine outlives the cancel
	assert.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before+1
	}, 2*time.Second, 10*time.Millisecond, "orphaned timer goroutines are still running")
}

func TestSet_EmptyScheduleUnregisters(t *testing.T) {
	s := testScheduler(&fakeStore{}, &fakePublisher{}, newFakeLocker())

	require.NoError(t, s.Set(Schedule{FlowID: "f1", FlowName: "ci", Expr: idleExpr}))
	require.NoError(t, s.Set(Schedule{FlowID: "f1", FlowName: "ci"}))
	assert.Empty(t, s.regs)
}

func TestSet_InvalidExpression(t *testing.T) {
	s := testScheduler(&fakeStore{}, &fakePublisher{}, newFakeLocker())

	assert.Error(t, s.Set(Schedule{FlowID: "f1", FlowName: "ci", Expr: "bogus"}))
	assert.Empty(t, s.regs)

	// a rejected expression leaves an existing registration alone
	require.NoError(t, s.Set(Schedule{FlowID: "f1", FlowName: "ci", Expr: idleExpr}))
	assert.Error(t, s.Set(Schedule{FlowID: "f1", FlowName: "ci", Expr: "bogus"}))
	assert.Len(t, s.regs, 1)
	s.Cancel("f1")
}

func TestResume(t *testing.T) {
	s := testScheduler(&fakeStore{}, &fakePublisher{}, newFakeLocker())
	defer s.Cancel("f1")

	s.Resume([]Schedule{
		{FlowID: "f1", FlowName: "ci", Expr: idleExpr},
		{FlowID: "f2", FlowName: "broken", Expr: "bogus"},
	})
	assert.Len(t, s.regs, 1, "bad stored schedules are skipped, not fatal")
}

func TestTick_SingleFiringAcrossReplicas(t *testing.T) {
	store := &fakeStore{defs: map[string]string{"f1": "steps:\n  - bash: make"}}
	pub := &fakePublisher{}
	locker := newFakeLocker()

	// two replicas with identical timers share the coordination service
	a := testScheduler(store, pub, locker)
	b := testScheduler(store, pub, locker)

	sc := Schedule{FlowID: "f1", FlowName: "ci", Expr: "*/1 * * * *"}

	var wg sync.WaitGroup
	for _, s := range []*Scheduler{a, b} {
		s := s
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.tick(sc)
		}()
	}
	wg.Wait()

	reqs := pub.published()
	require.Len(t, reqs, 1, "exactly one replica may publish per tick")
	assert.Equal(t, "f1", reqs[0].FlowID)
	assert.Equal(t, workflow.TriggerScheduled, reqs[0].Kind)
	assert.Equal(t, store.defs["f1"], reqs[0].RawDefinition)
	assert.NotEmpty(t, locker.released, "the winner releases its token")
}

func TestTick_NoDefinition(t *testing.T) {
	pub := &fakePublisher{}
	locker := newFakeLocker()
	s := testScheduler(&fakeStore{}, pub, locker)

	s.tick(Schedule{FlowID: "gone", FlowName: "ci", Expr: "*/1 * * * *"})

	assert.Empty(t, pub.published(), "no job without a stored definition")
	assert.Len(t, locker.released, 1, "token is still released")
}

func TestTick_CoordinationUnreachable(t *testing.T) {
	pub := &fakePublisher{}
	locker := newFakeLocker()
	locker.fail = true
	s := testScheduler(&fakeStore{defs: map[string]string{"f1": "x"}}, pub, locker)

	s.tick(Schedule{FlowID: "f1", FlowName: "ci", Expr: "*/1 * * * *"})

	assert.Empty(t, pub.published(), "failed tick must not create a job")
	assert.Empty(t, locker.released)
}

func TestLockKey(t *testing.T) {
	a := lockKey(Schedule{FlowName: "ci", Expr: "*/5 * * * *"})
	b := lockKey(Schedule{FlowName: "ci", Expr: "*/5 * * * *"})
	c := lockKey(Schedule{FlowName: "ci", Expr: "0 0 * * *"})

	assert.Equal(t, a, b, "identical ticks collide on the same token")
	assert.NotEqual(t, a, c)
}
