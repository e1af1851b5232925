package tracking

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/commandpost/decision-impact/internal/models"
)

// Config carries the reconciliation knobs.
type Config struct {
	// VarianceTolerance is the score-point band within which a completed
	// outcome is considered to have matched its prediction.
	VarianceTolerance float64

	// Epsilon floors the accuracy divisor so a zero predicted score cannot
	// divide by zero.
	Epsilon float64

	// NonOccurrenceLikelihood is the predicted likelihood at or above which
	// an outcome closed without effect counts as a non-occurrence.
	NonOccurrenceLikelihood float64

	// RecurrenceThreshold is how many discrepancies of one type accrue on a
	// record before a learning is derived automatically.
	RecurrenceThreshold int
}

const (
	defaultVarianceTolerance       = 5.0
	defaultEpsilon                 = 1e-4
	defaultNonOccurrenceLikelihood = 0.7
	defaultRecurrenceThreshold     = 3
)

func (c Config) withDefaults() Config {
	if c.VarianceTolerance <= 0 {
		c.VarianceTolerance = defaultVarianceTolerance
	}
	if c.Epsilon <= 0 {
		c.Epsilon = defaultEpsilon
	}
	if c.NonOccurrenceLikelihood <= 0 {
		c.NonOccurrenceLikelihood = defaultNonOccurrenceLikelihood
	}
	if c.RecurrenceThreshold <= 0 {
		c.RecurrenceThreshold = defaultRecurrenceThreshold
	}
	return c
}

// Engine reconciles predicted consequences against observed outcomes. All
// methods are synchronous and I/O-free; the caller owns persistence and
// per-record serialization.
type Engine struct {
	cfg Config
}

func New(cfg Config) *Engine {
	return &Engine{cfg: cfg.withDefaults()}
}

// Start seeds a tracking record from the chosen option's predicted
// consequences. Predicted score is the likelihood-weighted sum over every
// seeded outcome, immediate and cascaded alike.
func (e *Engine) Start(d models.Decision, optionID string, now time.Time) (models.DecisionTracking, error) {
	var selected *models.DecisionOption
	for i := range d.Options {
		if d.Options[i].ID == optionID {
			selected = &d.Options[i]
			break
		}
	}
	if selected == nil {
		return models.DecisionTracking{}, &models.ValidationError{
			Field:  "selectedOptionId",
			Reason: fmt.Sprintf("decision %s has no option %q", d.ID, optionID),
		}
	}

	var outcomes []models.ConsequenceOutcome
	var predicted float64
	for _, c := range selected.Consequences {
		outcomes = append(outcomes, models.ConsequenceOutcome{
			ConsequenceID: c.ID,
			Description:   c.Description,
			Domain:        c.Domain,
			Status:        models.OutcomePending,
			Predicted: &models.PredictedOutcome{
				ImpactScore:    c.ImpactScore,
				Likelihood:     c.Likelihood,
				TimeframeHours: selected.Timeline.FirstImpactHours,
			},
		})
		predicted += c.ImpactScore * c.Likelihood
		for _, sc := range c.Cascaded {
			outcomes = append(outcomes, models.ConsequenceOutcome{
				ConsequenceID: sc.ID,
				Description:   sc.Description,
				Domain:        sc.Domain,
				Status:        models.OutcomePending,
				Predicted: &models.PredictedOutcome{
					ImpactScore:    sc.ImpactScore,
					Likelihood:     sc.Likelihood,
					TimeframeHours: sc.HorizonHours,
					Secondary:      true,
				},
			})
			predicted += sc.ImpactScore * sc.Likelihood
		}
	}

	tr := models.DecisionTracking{
		ID:                   uuid.New(),
		DecisionID:           d.ID,
		DecisionTitle:        d.Title,
		SelectedOptionID:     selected.ID,
		SelectedOptionLabel:  selected.Label,
		StartedAt:            now.UTC(),
		ExpectedDurationDays: expectedDurationDays(selected.Timeline),
		PredictedScore:       predicted,
		Status:               models.TrackingUnfolding,
		Outcomes:             outcomes,
		UpdatedAt:            now.UTC(),
	}
	e.recompute(&tr, now)
	return tr, nil
}

func expectedDurationDays(tl models.OptionTimeline) int {
	days := (tl.FullImpactHours + 23) / 24
	if days < 1 {
		days = 1
	}
	return days
}

// ObservationEvent is the reporting collaborator's input for one consequence.
// Description and Domain are only consulted when the event records an
// outcome the original prediction did not anticipate.
type ObservationEvent struct {
	ConsequenceID      uuid.UUID            `json:"consequenceId"`
	ObservationVersion int64                `json:"observationVersion"`
	ActualImpactScore  *float64             `json:"actualImpactScore,omitempty"`
	Notes              string               `json:"notes,omitempty"`
	OutcomeStatus      models.OutcomeStatus `json:"outcomeStatus"`
	Description        string               `json:"description,omitempty"`
	Domain             models.Domain        `json:"domain,omitempty"`
}

// Apply applies one observation event to the record. Replaying the version
// already applied for the consequence is a no-op; an older version is
// rejected with OutOfOrderError and the record left unchanged. Aggregates
// are recomputed from the full outcome set, never incremented.
func (e *Engine) Apply(tr *models.DecisionTracking, ev ObservationEvent, now time.Time) error {
	if tr.Status == models.TrackingClosed {
		return &models.ValidationError{Field: "status", Reason: "tracking record is closed"}
	}
	if ev.ObservationVersion <= 0 {
		return &models.ValidationError{Field: "observationVersion", Reason: "must be a positive integer"}
	}
	if !ev.OutcomeStatus.Valid() {
		return &models.ValidationError{
			Field:  "outcomeStatus",
			Reason: fmt.Sprintf("unknown status %q", ev.OutcomeStatus),
		}
	}

	idx := -1
	for i := range tr.Outcomes {
		if tr.Outcomes[i].ConsequenceID == ev.ConsequenceID {
			idx = i
			break
		}
	}
	if idx < 0 {
		if ev.OutcomeStatus != models.OutcomeUnexpected {
			return &UnknownConsequenceError{ConsequenceID: ev.ConsequenceID}
		}
		// Unanticipated consequence: record a new outcome with no prediction.
		tr.Outcomes = append(tr.Outcomes, models.ConsequenceOutcome{
			ConsequenceID: ev.ConsequenceID,
			Description:   ev.Description,
			Domain:        ev.Domain,
			Status:        models.OutcomeUnexpected,
		})
		idx = len(tr.Outcomes) - 1
	}

	out := &tr.Outcomes[idx]
	switch {
	case ev.ObservationVersion == out.ObservationVersion:
		return nil // idempotent replay
	case ev.ObservationVersion < out.ObservationVersion:
		return &OutOfOrderError{
			ConsequenceID: ev.ConsequenceID,
			Applied:       out.ObservationVersion,
			Got:           ev.ObservationVersion,
		}
	}

	out.ObservationVersion = ev.ObservationVersion
	out.Status = ev.OutcomeStatus
	if ev.ActualImpactScore != nil {
		out.Actual = &models.ActualOutcome{
			ImpactScore: *ev.ActualImpactScore,
			Notes:       ev.Notes,
			ObservedAt:  now.UTC(),
		}
	}
	if out.Actual != nil && out.Predicted != nil {
		v := out.Actual.ImpactScore - out.Predicted.ImpactScore
		out.Variance = &v
	}

	e.recompute(tr, now)
	return nil
}

// recompute rebuilds every aggregate from the outcome set: actual score,
// accuracy, the discrepancy ledger, recurrence learnings, and the status
// machine.
func (e *Engine) recompute(tr *models.DecisionTracking, now time.Time) {
	var actual float64
	for _, out := range tr.Outcomes {
		if out.Actual != nil {
			actual += out.Actual.ImpactScore
		}
	}
	tr.ActualScore = actual
	tr.Accuracy = accuracy(tr.PredictedScore, actual, e.cfg.Epsilon)
	e.rebuildDiscrepancies(tr, now)
	e.deriveRecurrenceLearnings(tr, now)
	tr.Status = e.status(tr)
	tr.UpdatedAt = now.UTC()
}

func accuracy(predicted, actual, eps float64) float64 {
	divisor := math.Abs(predicted)
	if divisor < eps {
		divisor = eps
	}
	acc := 1 - math.Min(1, math.Abs(predicted-actual)/divisor)
	if acc < 0 {
		return 0
	}
	if acc > 1 {
		return 1
	}
	return acc
}

// rebuildDiscrepancies derives the ledger from terminal outcomes, one entry
// per consequence. Re-observation overwrites magnitudes; reviewer-supplied
// root cause and recommendation survive the rebuild.
func (e *Engine) rebuildDiscrepancies(tr *models.DecisionTracking, now time.Time) {
	prior := make(map[uuid.UUID]models.Discrepancy, len(tr.Discrepancies))
	for _, d := range tr.Discrepancies {
		prior[d.ConsequenceID] = d
	}

	var rebuilt []models.Discrepancy
	for _, out := range tr.Outcomes {
		d, found := e.classify(out)
		if !found {
			continue
		}
		if old, ok := prior[out.ConsequenceID]; ok {
			d.ID = old.ID
			d.CreatedAt = old.CreatedAt
			d.RootCause = old.RootCause
			d.Recommendation = old.Recommendation
		} else {
			d.ID = uuid.New()
			d.CreatedAt = now.UTC()
		}
		rebuilt = append(rebuilt, d)
	}
	tr.Discrepancies = rebuilt
}

// classify decides whether a terminal outcome constitutes a discrepancy and
// tags it: unexpected when there was no prior prediction, non_occurrence when
// a high-likelihood prediction closed without effect, magnitude when
// prediction and reality agree in sign but differ beyond tolerance.
func (e *Engine) classify(out models.ConsequenceOutcome) (models.Discrepancy, bool) {
	if !out.Status.Terminal() {
		return models.Discrepancy{}, false
	}

	if out.Predicted == nil {
		actual := 0.0
		if out.Actual != nil {
			actual = out.Actual.ImpactScore
		}
		return models.Discrepancy{
			ConsequenceID:   out.ConsequenceID,
			Description:     fmt.Sprintf("unanticipated consequence: %s", out.Description),
			Type:            models.DiscrepancyUnexpected,
			PredictedImpact: 0,
			ActualImpact:    actual,
		}, true
	}

	closedWithoutEffect := out.Actual == nil || out.Actual.ImpactScore == 0
	if closedWithoutEffect {
		if out.Predicted.Likelihood >= e.cfg.NonOccurrenceLikelihood &&
			math.Abs(out.Predicted.ImpactScore) > e.cfg.VarianceTolerance &&
			out.Status != models.OutcomeRiskAvoided {
			return models.Discrepancy{
				ConsequenceID:   out.ConsequenceID,
				Description:     fmt.Sprintf("predicted consequence never materialized: %s", out.Description),
				Type:            models.DiscrepancyNonOccurrence,
				PredictedImpact: out.Predicted.ImpactScore,
				ActualImpact:    0,
			}, true
		}
		return models.Discrepancy{}, false
	}

	if out.Variance == nil || math.Abs(*out.Variance) <= e.cfg.VarianceTolerance {
		return models.Discrepancy{}, false
	}
	return models.Discrepancy{
		ConsequenceID: out.ConsequenceID,
		Description: fmt.Sprintf("impact magnitude off by %.1f: %s",
			math.Abs(*out.Variance), out.Description),
		Type:            models.DiscrepancyMagnitude,
		PredictedImpact: out.Predicted.ImpactScore,
		ActualImpact:    out.Actual.ImpactScore,
	}, true
}

// deriveRecurrenceLearnings appends one learning per discrepancy type once
// the type has accrued RecurrenceThreshold entries on this record. Keyed by
// category so replays cannot duplicate it.
func (e *Engine) deriveRecurrenceLearnings(tr *models.DecisionTracking, now time.Time) {
	counts := map[models.DiscrepancyType]int{}
	for _, d := range tr.Discrepancies {
		counts[d.Type]++
	}
	existing := map[string]bool{}
	for _, l := range tr.Learnings {
		existing[l.Category] = true
	}
	for typ, n := range counts {
		if n < e.cfg.RecurrenceThreshold {
			continue
		}
		category := "recurring_" + string(typ)
		if existing[category] {
			continue
		}
		tr.Learnings = append(tr.Learnings, models.Learning{
			ID:       uuid.New(),
			Category: category,
			Insight: fmt.Sprintf("%d %s discrepancies on one decision suggest a systematic prediction error",
				n, typ),
			Recommendation:       "review the scoring assumptions behind this option's consequence model",
			ModelUpdateWarranted: true,
			CreatedAt:            now.UTC(),
		})
	}
}

func (e *Engine) status(tr *models.DecisionTracking) models.TrackingStatus {
	if tr.Status == models.TrackingClosed {
		return models.TrackingClosed
	}
	unresolved := 0
	for _, d := range tr.Discrepancies {
		if !d.Resolved() {
			unresolved++
		}
	}
	if unresolved > 0 {
		return models.TrackingNeedsReview
	}
	for _, out := range tr.Outcomes {
		if !out.Status.Terminal() {
			return models.TrackingUnfolding
		}
	}
	return models.TrackingComplete
}

// AttachRootCause records the reviewer's root cause (and optional
// recommendation) on a discrepancy and distills a learning from it.
func (e *Engine) AttachRootCause(tr *models.DecisionTracking, discrepancyID uuid.UUID, rootCause, recommendation string, now time.Time) error {
	if rootCause == "" {
		return &models.ValidationError{Field: "rootCause", Reason: "required"}
	}
	for i := range tr.Discrepancies {
		d := &tr.Discrepancies[i]
		if d.ID != discrepancyID {
			continue
		}
		d.RootCause = &rootCause
		if recommendation != "" {
			d.Recommendation = &recommendation
		}
		tr.Learnings = append(tr.Learnings, models.Learning{
			ID:             uuid.New(),
			Category:       string(d.Type),
			Insight:        rootCause,
			Recommendation: recommendation,
			CreatedAt:      now.UTC(),
		})
		tr.Status = e.status(tr)
		tr.UpdatedAt = now.UTC()
		return nil
	}
	return &models.ValidationError{
		Field:  "discrepancyId",
		Reason: fmt.Sprintf("no discrepancy %s on tracking record", discrepancyID),
	}
}

// AddLearning records a manually entered learning.
func (e *Engine) AddLearning(tr *models.DecisionTracking, l models.Learning, now time.Time) error {
	if l.Insight == "" {
		return &models.ValidationError{Field: "insight", Reason: "required"}
	}
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	if l.Category == "" {
		l.Category = "manual"
	}
	l.CreatedAt = now.UTC()
	tr.Learnings = append(tr.Learnings, l)
	tr.UpdatedAt = now.UTC()
	return nil
}

// Close retires the record. Only complete or needs_review records may be
// closed; closed is terminal.
func (e *Engine) Close(tr *models.DecisionTracking, now time.Time) error {
	switch tr.Status {
	case models.TrackingClosed:
		return nil
	case models.TrackingComplete, models.TrackingNeedsReview:
		tr.Status = models.TrackingClosed
		tr.UpdatedAt = now.UTC()
		return nil
	default:
		return &models.ValidationError{
			Field:  "status",
			Reason: fmt.Sprintf("cannot close a record in state %q", tr.Status),
		}
	}
}

// CheckInvariants independently recomputes the aggregates and compares them
// to the stored fields. A mismatch is a fatal bug signal, not something to
// repair silently.
func (e *Engine) CheckInvariants(tr models.DecisionTracking) error {
	var actual float64
	for _, out := range tr.Outcomes {
		if out.Actual != nil {
			actual += out.Actual.ImpactScore
		}
	}
	if math.Abs(actual-tr.ActualScore) > 1e-9 {
		return &InvariantError{
			TrackingID: tr.ID,
			Detail:     fmt.Sprintf("stored actualScore %v diverges from recomputed %v", tr.ActualScore, actual),
		}
	}
	if tr.Accuracy < 0 || tr.Accuracy > 1 {
		return &InvariantError{
			TrackingID: tr.ID,
			Detail:     fmt.Sprintf("accuracy %v outside [0,1]", tr.Accuracy),
		}
	}
	return nil
}
