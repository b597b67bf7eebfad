package workflow

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"unicode"
)

var (
	ErrNotRegularStep = errors.New("step must target a regular step node")
	ErrUnknownStep    = errors.New("step path not present in tree")
)

// Job is the execution context a step is compiled against: one run of a
// flow, bound to a trigger and a variable snapshot.
type Job struct {
	ID     string
	FlowID string

	// job-level variables; they win over node-declared environment
	Context map[string]string

	// fallback timeout in seconds when no node in the chain overrides it
	Timeout int
}

// Step identifies the unit of work being dispatched; NodePath addresses
// the tree node it was created from.
type Step struct {
	ID       string
	NodePath string
}

// Command is the fully resolved, agent-ready description of what a step
// must run. Scripts are kept as ordered fragments; the agent joins them
// per dialect.
type Command struct {
	StepID string
	JobID  string
	FlowID string

	Bash []string
	Pwsh []string

	Dockers      []DockerOption
	EnvFilters   []string
	Inputs       map[string]string
	Timeout      int
	Retry        int
	AllowFailure bool
	Plugin       string
	Cache        *Cache
}

// Compile resolves a step against its tree into an executable command.
// It is a pure function of the job snapshot, the tree and the registry
// state; only the generated container name suffix varies between calls.
func Compile(ctx context.Context, job *Job, step *Step, t *Tree, reg Registry) (*Command, error) {
	node, ok := t.Get(step.NodePath)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStep, step.NodePath)
	}
	if node.Kind != KindStep {
		return nil, fmt.Errorf("%w: %s", ErrNotRegularStep, step.NodePath)
	}

	chain := t.Ancestry(node)

	cmd := &Command{
		StepID:       step.ID,
		JobID:        job.ID,
		FlowID:       job.FlowID,
		AllowFailure: node.AllowFailure,
		Bash:         linkScript(chain, func(n *Node) string { return n.Bash }),
		Pwsh:         linkScript(chain, func(n *Node) string { return n.Pwsh }),
		Dockers:      copyDockers(findDockers(chain)),
		EnvFilters:   linkFilters(chain),
		Inputs:       linkInputs(chain, job.Context),
		Timeout:      linkTimeout(chain, job.Timeout),
		Retry:        linkRetry(chain, 0),
		Cache:        node.Cache,
	}

	if node.HasPlugin() {
		if err := applyPlugin(ctx, reg, node.Plugin, cmd); err != nil {
			return nil, err
		}
	}

	// the node's own declaration is the final authority over whatever
	// the plugin applied
	if node.AllowFailure != cmd.AllowFailure {
		cmd.AllowFailure = node.AllowFailure
	}

	for i := range cmd.Dockers {
		if cmd.Dockers[i].Name == "" {
			cmd.Dockers[i].Name = defaultContainerName(node)
		}
	}

	if !dockerEnabled(job.Context) {
		cmd.Dockers = nil
	}

	return cmd, nil
}

// linkScript concatenates own fragments from root to leaf, skipping
// nodes with nothing to contribute for the dialect.
func linkScript(chain []*Node, fragment func(*Node) string) []string {
	var out []string
	for _, n := range chain {
		if f := fragment(n); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// findDockers returns the options of the nearest node in the chain that
// declares any; levels further up are not consulted and never merged in.
func findDockers(chain []*Node) []DockerOption {
	for i := len(chain) - 1; i >= 0; i-- {
		if chain[i].HasDocker() {
			return chain[i].Dockers
		}
	}
	return nil
}

// linkFilters unions export filters from root to leaf; unlike docker
// options, filters accumulate across levels.
func linkFilters(chain []*Node) []string {
	var out []string
	seen := make(map[string]bool)
	for _, n := range chain {
		for _, name := range n.Exports {
			if !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		}
	}
	return out
}

func linkTimeout(chain []*Node, fallback int) int {
	for i := len(chain) - 1; i >= 0; i-- {
		if chain[i].HasTimeout() {
			return *chain[i].Timeout
		}
	}
	return fallback
}

func linkRetry(chain []*Node, fallback int) int {
	for i := len(chain) - 1; i >= 0; i-- {
		if chain[i].HasRetry() {
			return *chain[i].Retry
		}
	}
	return fallback
}

// linkInputs layers node environments root to leaf, then the job context
// on top; job values win on collision.
func linkInputs(chain []*Node, jobContext map[string]string) map[string]string {
	out := make(map[string]string)
	for _, n := range chain {
		for k, v := range n.Environment {
			out[k] = v
		}
	}
	for k, v := range jobContext {
		out[k] = v
	}
	return out
}

func applyPlugin(ctx context.Context, reg Registry, name string, cmd *Command) error {
	if reg == nil {
		return ErrNoRegistry
	}

	p, err := reg.Resolve(ctx, name)
	if err != nil {
		return fmt.Errorf("resolve plugin %q: %w", name, err)
	}

	cmd.Plugin = name
	cmd.AllowFailure = p.AllowFailure
	for _, export := range p.Exports {
		if !slices.Contains(cmd.EnvFilters, export) {
			cmd.EnvFilters = append(cmd.EnvFilters, export)
		}
	}

	// plugin script runs before the inherited pipeline
	if p.Bash != "" {
		cmd.Bash = append([]string{p.Bash}, cmd.Bash...)
	}
	if p.Pwsh != "" {
		cmd.Pwsh = append([]string{p.Pwsh}, cmd.Pwsh...)
	}

	// a plugin container takes over the runtime slot; other options
	// stay untouched
	if p.Docker != nil {
		for i, opt := range cmd.Dockers {
			if opt.Runtime {
				cmd.Dockers = append(cmd.Dockers[:i], cmd.Dockers[i+1:]...)
				break
			}
		}
		cmd.Dockers = append(cmd.Dockers, *p.Docker)
	}

	return nil
}

// defaultContainerName derives a unique container name from the node
// path: a sanitized slug plus a short random suffix, so concurrent runs
// of the same step never collide.
func defaultContainerName(node *Node) string {
	slug := strings.ReplaceAll(node.Path, " ", "")
	slug = strings.ReplaceAll(slug, PathSeparator, "-")
	if slug != "" && unicode.IsDigit(rune(slug[0])) {
		slug = "step-" + slug
	}

	buf := make([]byte, 3)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("%s-%s", slug, hex.EncodeToString(buf))
}

func dockerEnabled(jobContext map[string]string) bool {
	val, ok := jobContext[VarDockerEnabled]
	if !ok {
		return true
	}
	enabled, err := strconv.ParseBool(val)
	if err != nil {
		return true
	}
	return enabled
}

func copyDockers(opts []DockerOption) []DockerOption {
	out := make([]DockerOption, len(opts))
	copy(out, opts)
	return out
}
