// Package cron owns per-flow recurring timers and the cluster-wide
// exclusion that keeps a scheduled build from firing on more than one
// scheduler replica.
package cron

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"shuttleci.dev/core/workflow"
)

// Schedule binds a flow identity to its cron expression.
type Schedule struct {
	FlowID   string
	FlowName string
	Expr     string
}

// JobRequest is the job-creation publish emitted on a winning tick.
type JobRequest struct {
	FlowID        string
	FlowName      string
	RawDefinition string
	Kind          workflow.TriggerKind
	Vars          map[string]string
}

type Publisher interface {
	Publish(ctx context.Context, req JobRequest)
}

// Store loads the raw stored definition for a flow. An empty result or
// an error both mean there is nothing to run.
type Store interface {
	GetDefinition(ctx context.Context, flowID string) (string, error)
}

// Locker is the single cross-process coordination point. Acquire must be
// create-if-absent atomic, and held keys must expire on their own if the
// holder disappears.
type Locker interface {
	Acquire(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string)
}

const tickTimeout = 30 * time.Second

type Scheduler struct {
	store  Store
	pub    Publisher
	locker Locker
	parser cron.Parser
	l      *slog.Logger

	mu   sync.Mutex
	regs map[string]chan struct{}
}

func New(store Store, pub Publisher, locker Locker, l *slog.Logger) *Scheduler {
	return &Scheduler{
		store:  store,
		pub:    pub,
		locker: locker,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		l:      l.With("component", "cron"),
		regs:   make(map[string]chan struct{}),
	}
}

// Validate rejects malformed cron expressions before they are persisted
// alongside a flow's settings. The dialect is the standard five-field,
// minute-granularity one.
func (s *Scheduler) Validate(expr string) error {
	if _, err := s.parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// Set replaces the flow's timer with one for its current schedule. A
// flow without a schedule ends up unregistered. At most one timer per
// flow is live in this process, so closing the old registration and
// installing the new one happens under a single lock hold.
func (s *Scheduler) Set(sc Schedule) error {
	if sc.Expr == "" {
		s.Cancel(sc.FlowID)
		return nil
	}

	sched, err := s.parser.Parse(sc.Expr)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", sc.Expr, err)
	}

	stop := make(chan struct{})
	s.mu.Lock()
	if old, ok := s.regs[sc.FlowID]; ok {
		close(old)
	}
	s.regs[sc.FlowID] = stop
	s.mu.Unlock()

	go s.run(sc, sched, stop)
	s.l.Info("cron scheduled", "flow", sc.FlowName, "expr", sc.Expr)
	return nil
}

// Cancel stops the flow's timer for all future ticks. Safe to call when
// nothing is registered; a tick already past lock acquisition runs to
// completion.
func (s *Scheduler) Cancel(flowID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if stop, ok := s.regs[flowID]; ok {
		close(stop)
		delete(s.regs, flowID)
	}
}

// Resume registers timers for all stored flows, called once at boot.
func (s *Scheduler) Resume(schedules []Schedule) {
	for _, sc := range schedules {
		if err := s.Set(sc); err != nil {
			s.l.Warn("skipping stored schedule", "flow", sc.FlowName, "error", err)
		}
	}
}

// run re-arms the timer after every tick until the registration is
// cancelled or superseded.
func (s *Scheduler) run(sc Schedule, sched cron.Schedule, stop chan struct{}) {
	for {
		timer := time.NewTimer(time.Until(sched.Next(time.Now())))
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
			s.tick(sc)
		}
	}
}

// tick races every replica running the identical timer for the same
// create-if-absent key; the single winner publishes the job.
func (s *Scheduler) tick(sc Schedule) {
	ctx, cancel := context.WithTimeout(context.Background(), tickTimeout)
	defer cancel()

	key := lockKey(sc)
	won, err := s.locker.Acquire(ctx, key)
	if err != nil {
		// coordination unreachable: this tick fails to fire
		s.l.Warn("cron lock unavailable", "flow", sc.FlowName, "error", err)
		return
	}
	if !won {
		// another replica claimed this tick
		return
	}
	defer s.locker.Release(ctx, key)

	raw, err := s.store.GetDefinition(ctx, sc.FlowID)
	if err != nil || raw == "" {
		s.l.Warn("no stored definition for scheduled flow", "flow", sc.FlowName, "error", err)
		return
	}

	s.l.Info("starting flow from cron", "flow", sc.FlowName)
	s.pub.Publish(ctx, JobRequest{
		FlowID:        sc.FlowID,
		FlowName:      sc.FlowName,
		RawDefinition: raw,
		Kind:          workflow.TriggerScheduled,
	})
}

// lockKey derives the same token on every replica computing the same
// tick, turning the race into a create-if-absent contest.
func lockKey(sc Schedule) string {
	return sc.FlowName + "-" + base64.StdEncoding.EncodeToString([]byte(sc.Expr))
}
