package workflow

import "strings"

// TriggerKind doubles as the coarse trigger tag recorded on the job.
type TriggerKind string

const (
	TriggerPush        TriggerKind = "push"
	TriggerTag         TriggerKind = "tag"
	TriggerPullRequest TriggerKind = "pr"
	TriggerPing        TriggerKind = "ping"
	TriggerManual      TriggerKind = "manual"
	TriggerScheduled   TriggerKind = "scheduled"
	TriggerRerun       TriggerKind = "rerun"
)

// commit message markers that opt a push out of CI
var skipMarkers = []string{"[ci skip]", "[skip ci]"}

// Trigger is the normalized form of any event that proposes starting a
// job. Ping events are consumed upstream (they only update webhook
// registration state) and never reach the start decision.
type Trigger struct {
	Kind          TriggerKind
	Ref           string
	CommitID      string
	CommitMessage string
	CommitURL     string
	Author        string
}

// Skipped reports whether the commit message carries an opt-out marker.
func (t *Trigger) Skipped() bool {
	for _, marker := range skipMarkers {
		if strings.Contains(t.CommitMessage, marker) {
			return true
		}
	}
	return false
}

// ShouldStartJob is the single start decision for all trigger kinds.
// Branch and tag filters apply only to git ref based triggers; manual,
// scheduled and rerun triggers always pass.
func ShouldStartJob(t *Trigger, tree *Tree) bool {
	if t.Skipped() {
		return false
	}

	switch t.Kind {
	case TriggerPush:
		return tree.Trigger.MatchBranch(t.Ref)
	case TriggerTag:
		return tree.Trigger.MatchTag(t.Ref)
	}

	return true
}

// Vars converts the trigger into the canonical input variable set for
// job creation. The conversion is total over the declared fields.
func (t *Trigger) Vars() map[string]string {
	return map[string]string{
		VarGitEvent:         string(t.Kind),
		VarGitRef:           t.Ref,
		VarGitBranch:        shortRef(t.Ref),
		VarGitCommitID:      t.CommitID,
		VarGitCommitMessage: t.CommitMessage,
		VarGitCommitURL:     t.CommitURL,
		VarGitAuthor:        t.Author,
	}
}
