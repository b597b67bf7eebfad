package workflow

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// TriggerFilter holds the allow-patterns a git ref must satisfy before a
// push or tag event may start a job. An empty pattern set accepts any ref.
type TriggerFilter struct {
	Branches []string
	Tags     []string
}

func (f *TriggerFilter) MatchBranch(ref string) bool {
	return matchAny(f.Branches, shortRef(ref))
}

func (f *TriggerFilter) MatchTag(ref string) bool {
	return matchAny(f.Tags, shortRef(ref))
}

func matchAny(patterns []string, name string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		ok, err := doublestar.Match(p, name)
		if err != nil {
			// malformed pattern matches nothing
			continue
		}
		if ok {
			return true
		}
	}
	return false
}

// shortRef strips the refs/heads/ or refs/tags/ prefix so patterns are
// written against plain branch and tag names.
func shortRef(ref string) string {
	ref = strings.TrimPrefix(ref, "refs/heads/")
	ref = strings.TrimPrefix(ref, "refs/tags/")
	return ref
}
