package workflow

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNoRegistry  = errors.New("definition references plugins but no registry is configured")
	ErrNoEvaluator = errors.New("definition uses conditions but no evaluator is configured")
)

// Validate checks a tree against its external collaborators before it is
// saved. Every plugin reference must resolve and every condition
// expression must verify; the first failure aborts the walk. The check is
// read-only, callers reject the save atomically on error.
func Validate(ctx context.Context, t *Tree, reg Registry, ev Evaluator) error {
	if err := validatePlugins(ctx, t, reg); err != nil {
		return err
	}
	return validateConditions(ctx, t, ev)
}

func validatePlugins(ctx context.Context, t *Tree, reg Registry) error {
	// distinct names in discovery order: steps first, then notifications
	var names []string
	seen := make(map[string]bool)
	collect := func(name string) {
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		names = append(names, name)
	}

	_ = t.Walk(func(n *Node) error {
		collect(n.Plugin)
		return nil
	})
	for _, task := range t.Notifications {
		collect(task.Plugin)
	}

	if len(names) == 0 {
		return nil
	}
	if reg == nil {
		return ErrNoRegistry
	}

	for _, name := range names {
		if _, err := reg.Resolve(ctx, name); err != nil {
			return fmt.Errorf("resolve plugin %q: %w", name, err)
		}
	}
	return nil
}

func validateConditions(ctx context.Context, t *Tree, ev Evaluator) error {
	return t.Walk(func(n *Node) error {
		if n.Condition == "" {
			return nil
		}
		if ev == nil {
			return ErrNoEvaluator
		}
		if err := ev.Verify(ctx, n.Condition); err != nil {
			return fmt.Errorf("condition on %s: %w", n.Path, err)
		}
		return nil
	})
}
