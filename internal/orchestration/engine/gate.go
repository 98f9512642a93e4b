package engine

import (
	"github.com/zjrosen/skillforge/internal/log"
	"github.com/zjrosen/skillforge/internal/skills/domain"
)

// GateOutcome is the result of evaluating a human-confirmation gate.
type GateOutcome string

const (
	// GateProceed passes the gate.
	GateProceed GateOutcome = "proceed"
	// GateProceedWithCaveats passes the gate but carries warnings the
	// caller should surface.
	GateProceedWithCaveats GateOutcome = "proceed-with-caveats"
	// GateRevise sends the user back to revise their answers; the gate
	// may be re-evaluated.
	GateRevise GateOutcome = "revise"
	// GateBlockedContradiction is terminal for this gate call: the
	// answers contradict recorded decisions and programmatic advance is
	// refused. Only a human override outside this core can pass it.
	GateBlockedContradiction GateOutcome = "blocked-contradiction"
)

// passes reports whether the outcome allows the run to advance.
func (o GateOutcome) passes() bool {
	return o == GateProceed || o == GateProceedWithCaveats
}

// GateAnswer is one answered review question at a gate.
type GateAnswer struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
	// Confidence is the reviewer's self-reported confidence:
	// "high", "medium", or "low".
	Confidence string `json:"confidence,omitempty"`
	// Contradicts flags an answer that conflicts with a previously
	// recorded decision.
	Contradicts bool `json:"contradicts,omitempty"`
}

// GateDecision is the evaluated outcome of a gate.
type GateDecision struct {
	Outcome GateOutcome `json:"outcome"`
	// Caveats lists the questions that produced warnings, for
	// proceed-with-caveats and revise outcomes.
	Caveats []string `json:"caveats,omitempty"`
	// StepIndex is the gated step the decision applies to, or -1 when
	// the run has no pending gate.
	StepIndex int `json:"step_index"`
}

// EvaluateGate evaluates the gate following the run's last completed
// step. Any contradicting answer blocks; any unanswered question asks
// for revision; low-confidence answers pass with caveats. The decision
// is recorded against the gated step so a later advance can check it.
func (e *Engine) EvaluateGate(runID int64, answers []GateAnswer) (*GateDecision, error) {
	run, err := e.runs.GetRun(runID)
	if err != nil {
		return nil, err
	}

	decision := evaluate(answers)

	// The pending gate sits after the last completed step.
	gateStep := run.CurrentStep - 1
	decision.StepIndex = -1
	if tmpl := e.registry.Get(run.TemplateID); tmpl != nil && gateStep >= 0 {
		if def := tmpl.Step(gateStep); def != nil && def.Gate {
			decision.StepIndex = gateStep
			e.mu.Lock()
			e.gates[gateKey{runID: runID, step: gateStep}] = *decision
			e.mu.Unlock()
		}
	}

	log.Info(log.CatEngine, "gate evaluated",
		"runID", runID, "gateStep", decision.StepIndex, "outcome", string(decision.Outcome))
	return decision, nil
}

func evaluate(answers []GateAnswer) *GateDecision {
	d := &GateDecision{Outcome: GateProceed}
	for _, a := range answers {
		switch {
		case a.Contradicts:
			d.Outcome = GateBlockedContradiction
			d.Caveats = append(d.Caveats, a.Question)
		case a.Answer == "" && d.Outcome != GateBlockedContradiction:
			if d.Outcome != GateRevise {
				d.Outcome = GateRevise
			}
			d.Caveats = append(d.Caveats, a.Question)
		case a.Confidence == "low" && d.Outcome == GateProceed:
			d.Outcome = GateProceedWithCaveats
			d.Caveats = append(d.Caveats, a.Question)
		case a.Confidence == "low":
			d.Caveats = append(d.Caveats, a.Question)
		}
	}
	return d
}

// checkGate verifies the gate at gateStep has a passing decision.
func (e *Engine) checkGate(runID int64, gateStep int) error {
	e.mu.Lock()
	decision, ok := e.gates[gateKey{runID: runID, step: gateStep}]
	e.mu.Unlock()

	if !ok {
		return &domain.GateBlockedError{RunID: runID, StepIndex: gateStep}
	}
	if !decision.Outcome.passes() {
		return &domain.GateBlockedError{
			RunID: runID, StepIndex: gateStep, Outcome: string(decision.Outcome),
		}
	}
	return nil
}

// clearGates forgets gate decisions for steps >= from, used on reset.
func (e *Engine) clearGates(runID int64, from int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key := range e.gates {
		if key.runID == runID && key.step >= from {
			delete(e.gates, key)
		}
	}
}
