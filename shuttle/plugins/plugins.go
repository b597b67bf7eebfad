// Package plugins resolves plugin references from a directory of yaml
// manifests, one file per plugin.
package plugins

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"shuttleci.dev/core/workflow"
)

var ErrNotFound = errors.New("plugin not found")

type manifest struct {
	AllowFailure bool                   `yaml:"allow_failure"`
	Exports      []string               `yaml:"exports"`
	Bash         string                 `yaml:"bash"`
	Pwsh         string                 `yaml:"pwsh"`
	Docker       *workflow.DockerOption `yaml:"docker"`
}

type Dir struct {
	root string
}

func NewDir(root string) *Dir {
	return &Dir{root: root}
}

func (d *Dir) Resolve(_ context.Context, name string) (*workflow.Plugin, error) {
	if name == "" || strings.ContainsAny(name, `/\`) {
		return nil, fmt.Errorf("%w: invalid name %q", ErrNotFound, name)
	}

	raw, err := os.ReadFile(filepath.Join(d.root, name+".yml"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, err
	}

	var m manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parsing plugin manifest %s: %w", name, err)
	}

	return &workflow.Plugin{
		Name:         name,
		AllowFailure: m.AllowFailure,
		Exports:      m.Exports,
		Bash:         m.Bash,
		Pwsh:         m.Pwsh,
		Docker:       m.Docker,
	}, nil
}
