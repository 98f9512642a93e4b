package sqlite

import (
	"encoding/json"
	"time"

	"github.com/zjrosen/skillforge/internal/skills/domain"
)

// runModel maps a workflow_runs row. Time columns are Unix timestamps;
// nullable columns use pointers.
type runModel struct {
	ID          int64
	GUID        string
	Skill       string
	TemplateID  string
	CurrentStep int
	Status      string
	Intake      *string // JSON object, nullable
	CreatedAt   int64
	UpdatedAt   int64
}

func toRunModel(r *domain.Run) (*runModel, error) {
	m := &runModel{
		ID:          r.ID,
		GUID:        r.GUID,
		Skill:       r.Skill,
		TemplateID:  r.TemplateID,
		CurrentStep: r.CurrentStep,
		Status:      string(r.Status),
		CreatedAt:   r.CreatedAt.Unix(),
		UpdatedAt:   r.UpdatedAt.Unix(),
	}
	if len(r.Intake) > 0 {
		data, err := json.Marshal(r.Intake)
		if err != nil {
			return nil, err
		}
		s := string(data)
		m.Intake = &s
	}
	return m, nil
}

func (m *runModel) toDomain() (*domain.Run, error) {
	r := &domain.Run{
		ID:          m.ID,
		GUID:        m.GUID,
		Skill:       m.Skill,
		TemplateID:  m.TemplateID,
		CurrentStep: m.CurrentStep,
		Status:      domain.RunStatus(m.Status),
		CreatedAt:   time.Unix(m.CreatedAt, 0),
		UpdatedAt:   time.Unix(m.UpdatedAt, 0),
	}
	if m.Intake != nil {
		if err := json.Unmarshal([]byte(*m.Intake), &r.Intake); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// stepModel maps a workflow_steps row.
type stepModel struct {
	RunID        int64
	StepIndex    int
	Name         string
	Status       string
	ErrorSummary *string
	StartedAt    *int64
	CompletedAt  *int64
}

func toStepModel(s *domain.Step) *stepModel {
	m := &stepModel{
		RunID:     s.RunID,
		StepIndex: s.Index,
		Name:      s.Name,
		Status:    string(s.Status),
	}
	if s.ErrorSummary != "" {
		summary := s.ErrorSummary
		m.ErrorSummary = &summary
	}
	if s.StartedAt != nil {
		startedAt := s.StartedAt.Unix()
		m.StartedAt = &startedAt
	}
	if s.CompletedAt != nil {
		completedAt := s.CompletedAt.Unix()
		m.CompletedAt = &completedAt
	}
	return m
}

func (m *stepModel) toDomain() domain.Step {
	s := domain.Step{
		RunID:  m.RunID,
		Index:  m.StepIndex,
		Name:   m.Name,
		Status: domain.StepStatus(m.Status),
	}
	if m.ErrorSummary != nil {
		s.ErrorSummary = *m.ErrorSummary
	}
	if m.StartedAt != nil {
		t := time.Unix(*m.StartedAt, 0)
		s.StartedAt = &t
	}
	if m.CompletedAt != nil {
		t := time.Unix(*m.CompletedAt, 0)
		s.CompletedAt = &t
	}
	return s
}
