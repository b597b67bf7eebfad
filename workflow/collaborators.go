package workflow

import "context"

// Plugin is a reusable step definition resolved from an external registry.
// Resolution happens at validation and compilation time; the registry's
// storage is not part of this core.
type Plugin struct {
	Name         string
	AllowFailure bool
	Exports      []string
	Bash         string
	Pwsh         string

	// optional container the plugin must run in; replaces the runtime
	// slot of the step's merged docker options
	Docker *DockerOption
}

// Registry resolves plugin references.
type Registry interface {
	Resolve(ctx context.Context, name string) (*Plugin, error)
}

// Evaluator verifies step condition expressions.
type Evaluator interface {
	Verify(ctx context.Context, expression string) error
}
