package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/commandpost/decision-impact/internal/models"
)

// MemoryStore provides an in-memory implementation useful for tests and
// local development.
type MemoryStore struct {
	mu         sync.RWMutex
	decisions  map[uuid.UUID]models.Decision
	trackings  map[uuid.UUID]models.DecisionTracking
	dimensions map[models.Domain]models.DimensionConfig
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		decisions:  map[uuid.UUID]models.Decision{},
		trackings:  map[uuid.UUID]models.DecisionTracking{},
		dimensions: map[models.Domain]models.DimensionConfig{},
	}
}

// deep copies keep callers from mutating stored state through shared slices.
func copyDecision(d models.Decision) models.Decision {
	out := d
	out.Options = append([]models.DecisionOption(nil), d.Options...)
	for i, opt := range out.Options {
		out.Options[i].Resources = append([]models.ResourceRequirement(nil), opt.Resources...)
		out.Options[i].Consequences = append([]models.Consequence(nil), opt.Consequences...)
		for j, c := range out.Options[i].Consequences {
			out.Options[i].Consequences[j].Cascaded = append([]models.SecondaryConsequence(nil), c.Cascaded...)
		}
	}
	out.RiskFactors = append([]models.RiskFactor(nil), d.RiskFactors...)
	out.Context.Stakeholders = append([]string(nil), d.Context.Stakeholders...)
	if len(d.Routing) > 0 {
		out.Routing = append(json.RawMessage(nil), d.Routing...)
	}
	return out
}

func copyTracking(tr models.DecisionTracking) models.DecisionTracking {
	out := tr
	out.Outcomes = append([]models.ConsequenceOutcome(nil), tr.Outcomes...)
	for i, o := range out.Outcomes {
		if o.Predicted != nil {
			p := *o.Predicted
			out.Outcomes[i].Predicted = &p
		}
		if o.Actual != nil {
			a := *o.Actual
			out.Outcomes[i].Actual = &a
		}
		if o.Variance != nil {
			v := *o.Variance
			out.Outcomes[i].Variance = &v
		}
	}
	out.Discrepancies = append([]models.Discrepancy(nil), tr.Discrepancies...)
	out.Learnings = append([]models.Learning(nil), tr.Learnings...)
	return out
}

func (m *MemoryStore) CreateDecision(ctx context.Context, d models.Decision) (models.Decision, error) {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions[d.ID] = copyDecision(d)
	return d, nil
}

func (m *MemoryStore) GetDecision(ctx context.Context, id uuid.UUID) (models.Decision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.decisions[id]
	if !ok {
		return models.Decision{}, ErrNotFound
	}
	return copyDecision(d), nil
}

func (m *MemoryStore) ListDecisions(ctx context.Context) ([]models.Decision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var decisions []models.Decision
	for _, d := range m.decisions {
		decisions = append(decisions, copyDecision(d))
	}
	sort.Slice(decisions, func(i, j int) bool {
		return decisions[i].CreatedAt.After(decisions[j].CreatedAt)
	})
	return decisions, nil
}

func (m *MemoryStore) ResolveDecision(ctx context.Context, id uuid.UUID, optionID string) (models.Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.decisions[id]
	if !ok {
		return models.Decision{}, ErrNotFound
	}
	d.Status = models.DecisionResolved
	d.SelectedOptionID = &optionID
	d.UpdatedAt = time.Now().UTC()
	m.decisions[id] = d
	return copyDecision(d), nil
}

func (m *MemoryStore) CreateTracking(ctx context.Context, tr models.DecisionTracking) (models.DecisionTracking, error) {
	if tr.ID == uuid.Nil {
		tr.ID = uuid.New()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trackings[tr.ID] = copyTracking(tr)
	return tr, nil
}

func (m *MemoryStore) GetTracking(ctx context.Context, id uuid.UUID) (models.DecisionTracking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tr, ok := m.trackings[id]
	if !ok {
		return models.DecisionTracking{}, ErrNotFound
	}
	return copyTracking(tr), nil
}

func (m *MemoryStore) GetTrackingByDecision(ctx context.Context, decisionID uuid.UUID) (models.DecisionTracking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, tr := range m.trackings {
		if tr.DecisionID == decisionID {
			return copyTracking(tr), nil
		}
	}
	return models.DecisionTracking{}, ErrNotFound
}

func (m *MemoryStore) ListActiveTrackings(ctx context.Context) ([]models.DecisionTracking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var trackings []models.DecisionTracking
	for _, tr := range m.trackings {
		if tr.Status == models.TrackingClosed {
			continue
		}
		trackings = append(trackings, copyTracking(tr))
	}
	sort.Slice(trackings, func(i, j int) bool {
		return trackings[i].StartedAt.Before(trackings[j].StartedAt)
	})
	return trackings, nil
}

func (m *MemoryStore) SaveTracking(ctx context.Context, tr models.DecisionTracking) (models.DecisionTracking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.trackings[tr.ID]; !ok {
		return models.DecisionTracking{}, ErrNotFound
	}
	m.trackings[tr.ID] = copyTracking(tr)
	return tr, nil
}

func (m *MemoryStore) UpsertDimension(ctx context.Context, d models.DimensionConfig) (models.DimensionConfig, error) {
	d.UpdatedAt = time.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dimensions[d.Name] = d
	return d, nil
}

func (m *MemoryStore) GetDimension(ctx context.Context, name models.Domain) (models.DimensionConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.dimensions[name]
	if !ok {
		return models.DimensionConfig{}, ErrNotFound
	}
	return d, nil
}

func (m *MemoryStore) ListDimensions(ctx context.Context) ([]models.DimensionConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var dims []models.DimensionConfig
	for _, d := range m.dimensions {
		dims = append(dims, d)
	}
	sort.Slice(dims, func(i, j int) bool { return dims[i].Name < dims[j].Name })
	return dims, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }
