package engine

import (
	"bytes"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/zjrosen/skillforge/internal/log"
	"github.com/zjrosen/skillforge/internal/skills/domain"
)

// logOverwrites logs a change summary for each collected artifact that
// overwrites an existing row, so re-running a step leaves a record of
// what changed. Read failures are ignored; this is diagnostics only.
func (e *Engine) logOverwrites(runID int64, stepIndex int, collected []domain.Artifact) {
	for _, a := range collected {
		prior, err := e.artifacts.Get(runID, stepIndex, a.Path)
		if err != nil || prior == nil {
			continue
		}
		if bytes.Equal(prior.Content, a.Content) {
			continue
		}
		ins, del := diffStats(string(prior.Content), string(a.Content))
		log.Info(log.CatEngine, "artifact overwritten",
			"runID", runID,
			"step", stepIndex,
			"path", a.Path,
			"added_chars", ins,
			"removed_chars", del)
	}
}

// diffStats returns inserted and deleted character counts between two
// texts.
func diffStats(before, after string) (inserted, deleted int) {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(before, after, false)
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			inserted += len(d.Text)
		case diffmatchpatch.DiffDelete:
			deleted += len(d.Text)
		case diffmatchpatch.DiffEqual:
		}
	}
	return inserted, deleted
}
