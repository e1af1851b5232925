package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/commandpost/decision-impact/internal/analysis"
	"github.com/commandpost/decision-impact/internal/archive"
	"github.com/commandpost/decision-impact/internal/models"
	"github.com/commandpost/decision-impact/internal/monitor"
	"github.com/commandpost/decision-impact/internal/store"
	"github.com/commandpost/decision-impact/internal/stream"
	"github.com/commandpost/decision-impact/internal/tracking"
)

// UnknownReferenceError reports an operation referencing a decision,
// tracking record, consequence, or dimension the store does not hold.
type UnknownReferenceError struct {
	Kind string
	Ref  string
}

func (e *UnknownReferenceError) Error() string {
	return fmt.Sprintf("unknown %s %q", e.Kind, e.Ref)
}

// EventPublisher is the subset of the Kafka publisher the service needs.
type EventPublisher interface {
	Publish(ctx context.Context, eventType string, decisionID uuid.UUID, payload interface{}) error
}

// Service orchestrates the analysis, tracking, and monitor engines over the
// store. Observation events for one tracking record are serialized through a
// per-record mutex; events for different records proceed in parallel.
type Service struct {
	store    store.Store
	analyzer *analysis.Engine
	tracker  *tracking.Engine
	monitors *monitor.Engine

	publisher EventPublisher
	archiver  archive.Archiver

	nowFn func() time.Time

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

func New(st store.Store, analyzer *analysis.Engine, tracker *tracking.Engine, monitors *monitor.Engine) *Service {
	return &Service{
		store:    st,
		analyzer: analyzer,
		tracker:  tracker,
		monitors: monitors,
		nowFn:    time.Now,
		locks:    map[uuid.UUID]*sync.Mutex{},
	}
}

// WithPublisher attaches a best-effort audit event publisher.
func (s *Service) WithPublisher(p EventPublisher) *Service {
	s.publisher = p
	return s
}

// WithArchiver attaches an archiver for closed tracking records.
func (s *Service) WithArchiver(a archive.Archiver) *Service {
	s.archiver = a
	return s
}

// WithClock overrides the clock; tests use it for deterministic timestamps.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.nowFn = now
	return s
}

func (s *Service) recordLock(id uuid.UUID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func (s *Service) emit(ctx context.Context, eventType string, decisionID uuid.UUID, payload interface{}) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, eventType, decisionID, payload); err != nil {
		log.Printf("[service] publish %s: %v", eventType, err)
	}
}

func (s *Service) knownDomains(ctx context.Context) (map[models.Domain]models.DimensionConfig, error) {
	dims, err := s.store.ListDimensions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list dimensions: %w", err)
	}
	out := make(map[models.Domain]models.DimensionConfig, len(dims))
	for _, d := range dims {
		out[d.Name] = d
	}
	return out, nil
}

// SeedDimensions registers the built-in dimensions that are not yet
// configured, at neutral baselines. The metrics collaborator overrides them
// through UpsertDimension.
func (s *Service) SeedDimensions(ctx context.Context) error {
	for _, name := range models.SeedDomains() {
		if _, err := s.store.GetDimension(ctx, name); err == nil {
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if _, err := s.store.UpsertDimension(ctx, models.DimensionConfig{
			Name:         name,
			Baseline:     50,
			CurrentScore: 50,
			Threshold:    25,
			LowerIsWorse: true,
		}); err != nil {
			return fmt.Errorf("seed dimension %s: %w", name, err)
		}
	}
	return nil
}

func (s *Service) CreateDecision(ctx context.Context, d models.Decision) (models.Decision, error) {
	dims, err := s.knownDomains(ctx)
	if err != nil {
		return models.Decision{}, err
	}
	known := make(map[models.Domain]bool, len(dims))
	for name := range dims {
		known[name] = true
	}
	if d.Status == "" {
		d.Status = models.DecisionOpen
	}
	if err := d.Validate(known); err != nil {
		return models.Decision{}, err
	}
	return s.store.CreateDecision(ctx, d)
}

func (s *Service) GetDecision(ctx context.Context, id uuid.UUID) (models.Decision, error) {
	d, err := s.store.GetDecision(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return models.Decision{}, &UnknownReferenceError{Kind: "decision", Ref: id.String()}
	}
	return d, err
}

func (s *Service) ListDecisions(ctx context.Context) ([]models.Decision, error) {
	return s.store.ListDecisions(ctx)
}

// AnalyzeDecision runs the option analysis engine over the decision's
// current options. Pure over its inputs, so the UI may re-request it freely.
func (s *Service) AnalyzeDecision(ctx context.Context, decisionID uuid.UUID) (models.DecisionAnalysis, error) {
	d, err := s.GetDecision(ctx, decisionID)
	if err != nil {
		return models.DecisionAnalysis{}, err
	}
	dims, err := s.knownDomains(ctx)
	if err != nil {
		return models.DecisionAnalysis{}, err
	}
	result, err := s.analyzer.Analyze(d, dims, s.nowFn())
	if err != nil {
		return models.DecisionAnalysis{}, err
	}
	s.emit(ctx, stream.EventDecisionAnalyzed, d.ID, map[string]interface{}{
		"recommendedOptionId": result.RecommendedOptionID,
		"noGoodOption":        result.NoGoodOption,
	})
	return result, nil
}

// SelectOption resolves the decision and seeds its tracking record from the
// chosen option's predicted consequences. The decision is terminal afterward;
// the tracking record is the authoritative record of its downstream life.
func (s *Service) SelectOption(ctx context.Context, decisionID uuid.UUID, optionID string) (models.DecisionTracking, error) {
	d, err := s.GetDecision(ctx, decisionID)
	if err != nil {
		return models.DecisionTracking{}, err
	}
	if d.Status == models.DecisionResolved {
		return models.DecisionTracking{}, &models.ValidationError{
			Field:  "status",
			Reason: fmt.Sprintf("decision %s already resolved", decisionID),
		}
	}
	if _, err := s.store.GetTrackingByDecision(ctx, decisionID); err == nil {
		return models.DecisionTracking{}, &models.ValidationError{
			Field:  "decisionId",
			Reason: fmt.Sprintf("decision %s is already being tracked", decisionID),
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return models.DecisionTracking{}, err
	}

	tr, err := s.tracker.Start(d, optionID, s.nowFn())
	if err != nil {
		return models.DecisionTracking{}, err
	}
	tr, err = s.store.CreateTracking(ctx, tr)
	if err != nil {
		return models.DecisionTracking{}, fmt.Errorf("create tracking: %w", err)
	}
	if _, err := s.store.ResolveDecision(ctx, decisionID, optionID); err != nil {
		return models.DecisionTracking{}, fmt.Errorf("resolve decision: %w", err)
	}
	s.emit(ctx, stream.EventTrackingStarted, d.ID, map[string]interface{}{
		"trackingId":     tr.ID,
		"optionId":       optionID,
		"predictedScore": tr.PredictedScore,
	})
	return tr, nil
}

func (s *Service) GetTracking(ctx context.Context, id uuid.UUID) (models.DecisionTracking, error) {
	tr, err := s.store.GetTracking(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return models.DecisionTracking{}, &UnknownReferenceError{Kind: "tracking", Ref: id.String()}
	}
	return tr, err
}

// ApplyObservation applies one outcome observation under the record's lock.
// Unknown consequence references surface as UnknownReferenceError; stale
// observation versions as tracking.OutOfOrderError. Invariants are checked
// before the record is persisted; a violation aborts the write.
func (s *Service) ApplyObservation(ctx context.Context, trackingID uuid.UUID, ev tracking.ObservationEvent) (models.DecisionTracking, error) {
	if ev.OutcomeStatus == models.OutcomeUnexpected && ev.Domain != "" {
		dims, err := s.knownDomains(ctx)
		if err != nil {
			return models.DecisionTracking{}, err
		}
		if _, ok := dims[ev.Domain]; !ok {
			return models.DecisionTracking{}, &UnknownReferenceError{Kind: "dimension", Ref: string(ev.Domain)}
		}
	}

	lock := s.recordLock(trackingID)
	lock.Lock()
	defer lock.Unlock()

	tr, err := s.GetTracking(ctx, trackingID)
	if err != nil {
		return models.DecisionTracking{}, err
	}
	if err := s.tracker.Apply(&tr, ev, s.nowFn()); err != nil {
		var unknown *tracking.UnknownConsequenceError
		if errors.As(err, &unknown) {
			return models.DecisionTracking{}, &UnknownReferenceError{Kind: "consequence", Ref: unknown.ConsequenceID.String()}
		}
		return models.DecisionTracking{}, err
	}
	if err := s.tracker.CheckInvariants(tr); err != nil {
		log.Printf("[service] INVARIANT VIOLATION: %v", err)
		return models.DecisionTracking{}, err
	}
	tr, err = s.store.SaveTracking(ctx, tr)
	if err != nil {
		return models.DecisionTracking{}, fmt.Errorf("save tracking: %w", err)
	}
	s.emit(ctx, stream.EventObservationApplied, tr.DecisionID, map[string]interface{}{
		"trackingId":    tr.ID,
		"consequenceId": ev.ConsequenceID,
		"version":       ev.ObservationVersion,
		"actualScore":   tr.ActualScore,
		"accuracy":      tr.Accuracy,
		"status":        tr.Status,
	})
	return tr, nil
}

// CloseTracking retires a record after reviewer examination and archives it.
func (s *Service) CloseTracking(ctx context.Context, trackingID uuid.UUID) (models.DecisionTracking, error) {
	lock := s.recordLock(trackingID)
	lock.Lock()
	defer lock.Unlock()

	tr, err := s.GetTracking(ctx, trackingID)
	if err != nil {
		return models.DecisionTracking{}, err
	}
	if err := s.tracker.Close(&tr, s.nowFn()); err != nil {
		return models.DecisionTracking{}, err
	}
	tr, err = s.store.SaveTracking(ctx, tr)
	if err != nil {
		return models.DecisionTracking{}, fmt.Errorf("save tracking: %w", err)
	}
	if s.archiver != nil {
		if key, err := s.archiver.ArchiveTracking(ctx, tr); err != nil {
			log.Printf("[service] archive tracking %s: %v", tr.ID, err)
		} else {
			log.Printf("[service] archived tracking %s to %s", tr.ID, key)
		}
	}
	s.emit(ctx, stream.EventTrackingClosed, tr.DecisionID, map[string]interface{}{
		"trackingId": tr.ID,
		"accuracy":   tr.Accuracy,
	})
	return tr, nil
}

// AttachRootCause records the reviewer's root cause on a discrepancy.
func (s *Service) AttachRootCause(ctx context.Context, trackingID, discrepancyID uuid.UUID, rootCause, recommendation string) (models.DecisionTracking, error) {
	lock := s.recordLock(trackingID)
	lock.Lock()
	defer lock.Unlock()

	tr, err := s.GetTracking(ctx, trackingID)
	if err != nil {
		return models.DecisionTracking{}, err
	}
	if err := s.tracker.AttachRootCause(&tr, discrepancyID, rootCause, recommendation, s.nowFn()); err != nil {
		return models.DecisionTracking{}, err
	}
	tr, err = s.store.SaveTracking(ctx, tr)
	if err != nil {
		return models.DecisionTracking{}, fmt.Errorf("save tracking: %w", err)
	}
	return tr, nil
}

// AddLearning records a manually entered learning on a tracking record.
func (s *Service) AddLearning(ctx context.Context, trackingID uuid.UUID, l models.Learning) (models.DecisionTracking, error) {
	lock := s.recordLock(trackingID)
	lock.Lock()
	defer lock.Unlock()

	tr, err := s.GetTracking(ctx, trackingID)
	if err != nil {
		return models.DecisionTracking{}, err
	}
	if err := s.tracker.AddLearning(&tr, l, s.nowFn()); err != nil {
		return models.DecisionTracking{}, err
	}
	tr, err = s.store.SaveTracking(ctx, tr)
	if err != nil {
		return models.DecisionTracking{}, fmt.Errorf("save tracking: %w", err)
	}
	return tr, nil
}

// ImpactMonitors recomputes the cross-decision monitors. With a dimension it
// returns exactly that dimension's monitor; otherwise one per dimension
// touched by an active record. Always a full recomputation.
func (s *Service) ImpactMonitors(ctx context.Context, dimension *models.Domain) ([]models.DecisionImpactMonitor, error) {
	records, err := s.store.ListActiveTrackings(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active trackings: %w", err)
	}
	if dimension != nil {
		cfg, err := s.store.GetDimension(ctx, *dimension)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, &UnknownReferenceError{Kind: "dimension", Ref: string(*dimension)}
			}
			return nil, err
		}
		return []models.DecisionImpactMonitor{
			s.monitors.ComputeDimension(records, *dimension, cfg, s.nowFn()),
		}, nil
	}
	dims, err := s.knownDomains(ctx)
	if err != nil {
		return nil, err
	}
	return s.monitors.Compute(records, dims, s.nowFn()), nil
}

// UpsertDimension registers or updates a dimension's baseline and threshold
// (metrics/configuration collaborator input).
func (s *Service) UpsertDimension(ctx context.Context, d models.DimensionConfig) (models.DimensionConfig, error) {
	if d.Name == "" {
		return models.DimensionConfig{}, &models.ValidationError{Field: "name", Reason: "required"}
	}
	return s.store.UpsertDimension(ctx, d)
}
