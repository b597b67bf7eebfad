package workflow

import (
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

// - a flow is a named tree of build steps, defined in a single yaml file
// - regular steps carry scripts and execute serially, in definition order
// - a parallel step groups child steps that execute concurrently
// - steps inherit scripts, docker options, timeouts, retries and export
//   filters from their ancestors; inheritance is resolved at compile time

type NodeKind int

const (
	// the flow root
	KindFlow NodeKind = iota
	// an executable step
	KindStep
	// a grouping node whose children run in parallel; never executed itself
	KindParallel
)

const PathSeparator = "/"

type (
	Node struct {
		Kind NodeKind
		Path string

		// own script fragment per shell dialect, not yet merged
		// with ancestors
		Bash string
		Pwsh string

		Environment  map[string]string
		Exports      []string
		Dockers      []DockerOption
		Retry        *int
		Timeout      *int
		AllowFailure bool
		Plugin       string
		Condition    string
		Cache        *Cache

		id       int
		parent   int
		children []int
	}

	DockerOption struct {
		Image       string            `yaml:"image"`
		Name        string            `yaml:"name"`
		Ports       []string          `yaml:"ports"`
		Entrypoint  []string          `yaml:"entrypoint"`
		Environment map[string]string `yaml:"environment"`
		Network     string            `yaml:"network"`
		Runtime     bool              `yaml:"runtime"`
	}

	// opaque cache spec, passed through to the agent unchanged
	Cache struct {
		Key   string   `yaml:"key"`
		Paths []string `yaml:"paths"`
	}

	// a post-build task executed locally by the server, backed by a plugin
	LocalTask struct {
		Plugin      string
		Environment map[string]string
	}
)

func (n *Node) HasRetry() bool   { return n.Retry != nil }
func (n *Node) HasTimeout() bool { return n.Timeout != nil }
func (n *Node) HasPlugin() bool  { return n.Plugin != "" }
func (n *Node) HasDocker() bool  { return len(n.Dockers) > 0 }

// Tree is the immutable, validated form of a flow definition. Nodes live
// in an arena and reference each other by index, so there is no cyclic
// ownership between parents and children.
type Tree struct {
	Name          string
	Trigger       TriggerFilter
	Notifications []LocalTask

	nodes []*Node
	index map[string]int
}

func (t *Tree) Root() *Node {
	return t.nodes[0]
}

func (t *Tree) Get(path string) (*Node, bool) {
	i, ok := t.index[path]
	if !ok {
		return nil, false
	}
	return t.nodes[i], true
}

// Parent returns nil for the root.
func (t *Tree) Parent(n *Node) *Node {
	if n.parent < 0 {
		return nil
	}
	return t.nodes[n.parent]
}

func (t *Tree) Children(n *Node) []*Node {
	out := make([]*Node, len(n.children))
	for i, c := range n.children {
		out[i] = t.nodes[c]
	}
	return out
}

// Ancestry returns the chain from the root down to n, inclusive.
func (t *Tree) Ancestry(n *Node) []*Node {
	var chain []*Node
	for cur := n; cur != nil; cur = t.Parent(cur) {
		chain = append(chain, cur)
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

// Walk visits nodes depth-first in definition order, stopping at the
// first error.
func (t *Tree) Walk(fn func(*Node) error) error {
	return t.walk(t.Root(), fn)
}

func (t *Tree) walk(n *Node, fn func(*Node) error) error {
	if err := fn(n); err != nil {
		return err
	}
	for _, c := range n.children {
		if err := t.walk(t.nodes[c], fn); err != nil {
			return err
		}
	}
	return nil
}

var ErrEmptyDefinition = errors.New("flow definition cannot be empty")

// structural representation of the definition file
type (
	flowDef struct {
		Envs          map[string]string `yaml:"envs"`
		Bash          string            `yaml:"bash"`
		Pwsh          string            `yaml:"pwsh"`
		Exports       StringList        `yaml:"exports"`
		Docker        *DockerOption     `yaml:"docker"`
		Dockers       []DockerOption    `yaml:"dockers"`
		Retry         *int              `yaml:"retry"`
		Timeout       *int              `yaml:"timeout"`
		If            string            `yaml:"if"`
		Trigger       triggerDef        `yaml:"trigger"`
		Notifications []taskDef         `yaml:"notifications"`
		Steps         []stepDef         `yaml:"steps"`
	}

	triggerDef struct {
		Branch StringList `yaml:"branch"`
		Tag    StringList `yaml:"tag"`
	}

	taskDef struct {
		Plugin string            `yaml:"plugin"`
		Envs   map[string]string `yaml:"envs"`
	}

	stepDef struct {
		Name         string            `yaml:"name"`
		Bash         string            `yaml:"bash"`
		Pwsh         string            `yaml:"pwsh"`
		Envs         map[string]string `yaml:"envs"`
		Exports      StringList        `yaml:"exports"`
		Docker       *DockerOption     `yaml:"docker"`
		Dockers      []DockerOption    `yaml:"dockers"`
		Retry        *int              `yaml:"retry"`
		Timeout      *int              `yaml:"timeout"`
		AllowFailure bool              `yaml:"allow_failure"`
		Plugin       string            `yaml:"plugin"`
		If           string            `yaml:"if"`
		Cache        *Cache            `yaml:"cache"`
		Steps        []stepDef         `yaml:"steps"`
		Parallel     []stepDef         `yaml:"parallel"`
	}

	StringList []string
)

// Load parses a raw flow definition into its tree form. The returned tree
// is never mutated afterwards; saving an edited definition produces a new
// tree.
func Load(name string, raw []byte) (*Tree, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyDefinition
	}

	var def flowDef
	if err := yaml.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("parsing flow %s: %w", name, err)
	}

	t := &Tree{
		Name: name,
		Trigger: TriggerFilter{
			Branches: def.Trigger.Branch,
			Tags:     def.Trigger.Tag,
		},
		index: make(map[string]int),
	}

	for _, task := range def.Notifications {
		t.Notifications = append(t.Notifications, LocalTask{
			Plugin:      task.Plugin,
			Environment: task.Envs,
		})
	}

	root := &Node{
		Kind:        KindFlow,
		Path:        name,
		Bash:        def.Bash,
		Pwsh:        def.Pwsh,
		Environment: def.Envs,
		Exports:     def.Exports,
		Dockers:     def.Dockers,
		Retry:       def.Retry,
		Timeout:     def.Timeout,
		Condition:   def.If,
		parent:      -1,
	}
	if def.Docker != nil {
		root.Dockers = append([]DockerOption{*def.Docker}, root.Dockers...)
	}
	if err := t.add(root); err != nil {
		return nil, err
	}

	if err := t.buildSteps(root, def.Steps); err != nil {
		return nil, err
	}

	return t, nil
}

func (t *Tree) buildSteps(parent *Node, steps []stepDef) error {
	for i, def := range steps {
		name := def.Name
		if name == "" {
			name = fmt.Sprintf("step-%d", i+1)
		}

		n := &Node{
			Kind:         KindStep,
			Path:         parent.Path + PathSeparator + name,
			Bash:         def.Bash,
			Pwsh:         def.Pwsh,
			Environment:  def.Envs,
			Exports:      def.Exports,
			Dockers:      def.Dockers,
			Retry:        def.Retry,
			Timeout:      def.Timeout,
			AllowFailure: def.AllowFailure,
			Plugin:       def.Plugin,
			Condition:    def.If,
			Cache:        def.Cache,
			parent:       parent.id,
		}

		if len(def.Parallel) > 0 {
			n.Kind = KindParallel
		}
		if def.Docker != nil {
			n.Dockers = append([]DockerOption{*def.Docker}, n.Dockers...)
		}

		if err := t.add(n); err != nil {
			return err
		}
		parent.children = append(parent.children, n.id)

		if err := t.buildSteps(n, def.Steps); err != nil {
			return err
		}
		if err := t.buildSteps(n, def.Parallel); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tree) add(n *Node) error {
	if _, ok := t.index[n.Path]; ok {
		return fmt.Errorf("duplicate step path %q", n.Path)
	}
	n.id = len(t.nodes)
	t.nodes = append(t.nodes, n)
	t.index[n.Path] = n.id
	return nil
}

// Custom unmarshaller so fields accept either a string or a list.
func (s *StringList) UnmarshalYAML(unmarshal func(any) error) error {
	var single string
	if err := unmarshal(&single); err == nil {
		*s = []string{single}
		return nil
	}

	var slice []any
	if err := unmarshal(&slice); err == nil {
		if slice == nil {
			*s = nil
			return nil
		}

		parts := make([]string, len(slice))
		for k, v := range slice {
			sv, ok := v.(string)
			if !ok {
				return fmt.Errorf("cannot unmarshal '%v' of type %T into a string value", v, v)
			}
			parts[k] = sv
		}

		*s = parts
		return nil
	}

	return errors.New("failed to unmarshal string or list")
}
