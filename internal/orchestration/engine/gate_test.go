package engine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name    string
		answers []GateAnswer
		outcome GateOutcome
		caveats []string
	}{
		{
			name:    "no answers proceeds",
			answers: nil,
			outcome: GateProceed,
		},
		{
			name: "confident answers proceed",
			answers: []GateAnswer{
				{Question: "a", Answer: "yes", Confidence: "high"},
				{Question: "b", Answer: "no", Confidence: "medium"},
			},
			outcome: GateProceed,
		},
		{
			name: "low confidence proceeds with caveats",
			answers: []GateAnswer{
				{Question: "a", Answer: "yes", Confidence: "high"},
				{Question: "b", Answer: "maybe", Confidence: "low"},
			},
			outcome: GateProceedWithCaveats,
			caveats: []string{"b"},
		},
		{
			name: "unanswered question asks for revision",
			answers: []GateAnswer{
				{Question: "a", Answer: "yes"},
				{Question: "b"},
			},
			outcome: GateRevise,
			caveats: []string{"b"},
		},
		{
			name: "revision outranks caveats",
			answers: []GateAnswer{
				{Question: "a", Answer: "x", Confidence: "low"},
				{Question: "b"},
			},
			outcome: GateRevise,
			caveats: []string{"a", "b"},
		},
		{
			name: "contradiction blocks regardless",
			answers: []GateAnswer{
				{Question: "a", Answer: "yes", Confidence: "high"},
				{Question: "b", Answer: "conflicting", Contradicts: true},
				{Question: "c"},
			},
			outcome: GateBlockedContradiction,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := evaluate(tt.answers)
			require.Equal(t, tt.outcome, d.Outcome)
			if tt.caveats != nil {
				require.Equal(t, tt.caveats, d.Caveats)
			}
		})
	}
}

func TestGateOutcome_Passes(t *testing.T) {
	require.True(t, GateProceed.passes())
	require.True(t, GateProceedWithCaveats.passes())
	require.False(t, GateRevise.passes())
	require.False(t, GateBlockedContradiction.passes())
}

func TestDiffStats(t *testing.T) {
	ins, del := diffStats("hello world", "hello brave world")
	require.Equal(t, 6, ins)
	require.Equal(t, 0, del)

	ins, del = diffStats("abc", "abc")
	require.Equal(t, 0, ins)
	require.Equal(t, 0, del)
}
