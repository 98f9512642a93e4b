package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/zjrosen/skillforge/internal/skills/domain"
)

// completeStepDirectly marks a step completed with an artifact, bypassing
// worker execution, for reset tests that only exercise persistence. It
// accepts require.TestingT so rapid property tests can use it too.
func (f *fixture) completeStepDirectly(t require.TestingT, run *domain.Run, index int, paths ...string) {
	now := time.Now()
	step, err := f.db.RunRepository().GetStep(run.ID, index)
	require.NoError(t, err)
	step.Status = domain.StepCompleted
	step.StartedAt = &now
	step.CompletedAt = &now
	require.NoError(t, f.db.RunRepository().UpdateStep(step))

	var artifacts []domain.Artifact
	for _, p := range paths {
		artifacts = append(artifacts, domain.Artifact{
			RunID: run.ID, StepIndex: index, Path: p, Content: []byte("content of " + p),
		})
	}
	require.NoError(t, f.db.ArtifactRepository().SaveAll(artifacts))

	run.CurrentStep = index + 1
	run.Status = domain.RunInProgress
	require.NoError(t, f.db.RunRepository().UpdateRun(run))
}

func TestEngine_ResetScenario(t *testing.T) {
	// Steps [0:completed, 1:completed, 2:pending]; reset at 1 makes steps
	// 1 and 2 pending, deletes artifacts >= 1, leaves step 0 untouched.
	f := newFixture(t, Options{})
	run := f.run(t)
	f.completeStepDirectly(t, run, 0, "zero.md")
	f.completeStepDirectly(t, run, 1, "one.md", "one-extra.md")

	deleted, err := f.engine.ResetStep(context.Background(), run.ID, 1)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"one.md", "one-extra.md"}, deleted)

	state, err := f.engine.GetWorkflowState(run.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StepCompleted, state.Steps[0].Status)
	require.Equal(t, domain.StepPending, state.Steps[1].Status)
	require.Equal(t, domain.StepPending, state.Steps[2].Status)
	require.Equal(t, 1, state.Run.CurrentStep)

	remaining, err := f.db.ArtifactRepository().ListPaths(run.ID, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"zero.md"}, remaining)
}

func TestEngine_ResetIdempotent(t *testing.T) {
	f := newFixture(t, Options{})
	run := f.run(t)
	f.completeStepDirectly(t, run, 0, "a.md")

	deleted, err := f.engine.ResetStep(context.Background(), run.ID, 0)
	require.NoError(t, err)
	require.Len(t, deleted, 1)

	deleted, err = f.engine.ResetStep(context.Background(), run.ID, 0)
	require.NoError(t, err)
	require.Empty(t, deleted, "resetting already-pending steps deletes nothing")
}

func TestEngine_ResetOutOfRange(t *testing.T) {
	f := newFixture(t, Options{})
	run := f.run(t)

	_, err := f.engine.ResetStep(context.Background(), run.ID, 7)
	var notResettable *domain.StepNotResettableError
	require.ErrorAs(t, err, &notResettable)
	require.Equal(t, 3, notResettable.StepCount)
}

func TestEngine_PreviewThenConfirm(t *testing.T) {
	f := newFixture(t, Options{})
	run := f.run(t)
	f.completeStepDirectly(t, run, 0, "a.md")

	preview, err := f.engine.PreviewReset(run.ID, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"a.md"}, preview.Paths)

	// Preview alone deletes nothing.
	paths, err := f.db.ArtifactRepository().ListPaths(run.ID, 0)
	require.NoError(t, err)
	require.Len(t, paths, 1)

	deleted, err := f.engine.ConfirmReset(context.Background(), preview.Token)
	require.NoError(t, err)
	require.Equal(t, []string{"a.md"}, deleted)

	// Tokens are single use.
	_, err = f.engine.ConfirmReset(context.Background(), preview.Token)
	require.Error(t, err)
}

func TestEngine_ConfirmUnknownToken(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.engine.ConfirmReset(context.Background(), "nope")
	require.Error(t, err)
}

func TestEngine_PreviewTokenExpires(t *testing.T) {
	f := newFixture(t, Options{ResetPreviewTTL: 20 * time.Millisecond})
	run := f.run(t)
	f.completeStepDirectly(t, run, 0, "a.md")

	preview, err := f.engine.PreviewReset(run.ID, 0)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := f.engine.ConfirmReset(context.Background(), preview.Token)
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEngine_ResetClearsGateDecisions(t *testing.T) {
	f := newFixture(t, Options{})
	run := f.run(t)
	f.completeStepDirectly(t, run, 0, "a.md")
	f.passGate(t, run.ID)

	_, err := f.engine.ResetStep(context.Background(), run.ID, 0)
	require.NoError(t, err)

	// After the reset the gate must be re-evaluated before step 1 runs.
	f.completeStepDirectly(t, run, 0, "a.md")
	_, err = f.engine.AdvanceStep(context.Background(), run.ID, StepInput{StepIndex: 1})
	var blocked *domain.GateBlockedError
	require.ErrorAs(t, err, &blocked)
}

// TestEngine_ResetProperties drives a random sequence of completions and
// resets checking that current_step never exceeds the completed prefix
// and that an immediate repeat reset deletes zero artifacts.
func TestEngine_ResetProperties(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		f := newFixture(t, Options{})
		run := f.run(t)

		completed := 0 // steps [0, completed) are completed
		ops := rapid.IntRange(1, 8).Draw(rt, "ops")
		for i := 0; i < ops; i++ {
			if completed < 3 && rapid.Bool().Draw(rt, "complete") {
				f.completeStepDirectly(t, run, completed, "out.md")
				completed++
				continue
			}
			from := rapid.IntRange(0, 2).Draw(rt, "from")
			_, err := f.engine.ResetStep(context.Background(), run.ID, from)
			require.NoError(rt, err)
			if from < completed {
				completed = from
			}

			again, err := f.engine.ResetStep(context.Background(), run.ID, from)
			require.NoError(rt, err)
			require.Empty(rt, again)
		}

		state, err := f.engine.GetWorkflowState(run.ID)
		require.NoError(rt, err)
		require.Equal(rt, completed, state.Run.CurrentStep)
		for i, step := range state.Steps {
			if i < completed {
				require.Equal(rt, domain.StepCompleted, step.Status)
			} else {
				require.Equal(rt, domain.StepPending, step.Status)
			}
		}
	})
}
