package shuttle

import (
	"context"
	"strings"

	"shuttleci.dev/core/cron"
	"shuttleci.dev/core/shuttle/db"
	"shuttleci.dev/core/workflow"
)

// Settings is the per-flow configuration that lives outside the
// definition text.
type Settings struct {
	Cron string `json:"cron"`
}

// SaveDefinition validates and persists a flow definition. Validation
// failure rejects the save before anything is written; on success the
// definition text and the flow's variables commit together.
func (s *Shuttle) SaveDefinition(ctx context.Context, flow *db.Flow, raw string) (*workflow.Tree, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, workflow.ErrEmptyDefinition
	}

	tree, err := workflow.Load(flow.Name, []byte(raw))
	if err != nil {
		return nil, err
	}

	if err := workflow.Validate(ctx, tree, s.reg, s.ev); err != nil {
		return nil, err
	}

	if err := s.db.SaveDefinition(ctx, flow.ID, raw, tree.Root().Environment); err != nil {
		return nil, err
	}

	return tree, nil
}

// ApplySettings validates the cron expression before anything is
// persisted, then replaces the flow's timer registration.
func (s *Shuttle) ApplySettings(ctx context.Context, flow *db.Flow, settings Settings) error {
	if settings.Cron != "" {
		if err := s.sched.Validate(settings.Cron); err != nil {
			return err
		}
	}

	if err := s.db.SetCron(ctx, flow.ID, settings.Cron); err != nil {
		return err
	}

	return s.sched.Set(cron.Schedule{
		FlowID:   flow.ID,
		FlowName: flow.Name,
		Expr:     settings.Cron,
	})
}

// CancelSchedule stops the flow's timer for all future ticks.
func (s *Shuttle) CancelSchedule(flow *db.Flow) {
	s.sched.Cancel(flow.ID)
}
