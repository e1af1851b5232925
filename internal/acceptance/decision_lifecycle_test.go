package acceptance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/commandpost/decision-impact/internal/analysis"
	"github.com/commandpost/decision-impact/internal/models"
	"github.com/commandpost/decision-impact/internal/monitor"
	"github.com/commandpost/decision-impact/internal/service"
	"github.com/commandpost/decision-impact/internal/store"
	"github.com/commandpost/decision-impact/internal/tracking"
)

// Full lifecycle: create, analyze, select, observe, review, monitor, close.
func TestDecisionLifecycle(t *testing.T) {
	ctx := context.Background()
	memStore := store.NewMemoryStore()
	clock := time.Date(2026, 3, 14, 6, 0, 0, 0, time.UTC)

	svc := service.New(memStore,
		analysis.New(analysis.Config{}),
		tracking.New(tracking.Config{}),
		monitor.New(monitor.Config{}),
	).WithClock(func() time.Time { return clock })
	if err := svc.SeedDimensions(ctx); err != nil {
		t.Fatalf("seed dimensions: %v", err)
	}

	boostID := uuid.New()
	strainID := uuid.New()
	goodwillID := uuid.New()

	decision, err := svc.CreateDecision(ctx, models.Decision{
		Title:   "commit reserve battalion to the eastern sector",
		Urgency: models.UrgencyCritical,
		Context: models.DecisionContext{Stakeholders: []string{"G3", "G4"}},
		Options: []models.DecisionOption{
			{
				ID:       "opt-commit",
				Label:    "Commit reserves now",
				Timeline: models.OptionTimeline{ExecutionHours: 6, FirstImpactHours: 12, FullImpactHours: 72},
				Consequences: []models.Consequence{
					{
						ID: boostID, Description: "sector readiness restored", Type: models.ConsequencePositive,
						Domain: models.DomainReadiness, ImpactScore: 20, Likelihood: 0.9,
						Cascaded: []models.SecondaryConsequence{{
							ID: strainID, Description: "fuel strain at forward depot", Type: models.ConsequenceNegative,
							Domain: models.DomainLogistics, ImpactScore: -8, Likelihood: 0.6, HorizonHours: 48,
						}},
					},
					{
						ID: goodwillID, Description: "visible commitment to allies", Type: models.ConsequencePositive,
						Domain: models.DomainPolitical, ImpactScore: 6, Likelihood: 0.7,
					},
				},
			},
			{
				ID:       "opt-wait",
				Label:    "Hold reserves 24h",
				Timeline: models.OptionTimeline{FullImpactHours: 24},
				Consequences: []models.Consequence{{
					ID: uuid.New(), Description: "sector degrades further", Type: models.ConsequenceNegative,
					Domain: models.DomainReadiness, ImpactScore: -10, Likelihood: 0.8,
				}},
			},
		},
	})
	if err != nil {
		t.Fatalf("create decision: %v", err)
	}

	result, err := svc.AnalyzeDecision(ctx, decision.ID)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if result.RecommendedOptionID != "opt-commit" {
		t.Fatalf("recommended %q, want opt-commit", result.RecommendedOptionID)
	}
	if result.NoGoodOption {
		t.Fatal("noGoodOption set despite a positive option")
	}

	tr, err := svc.SelectOption(ctx, decision.ID, "opt-commit")
	if err != nil {
		t.Fatalf("select option: %v", err)
	}
	// 20*0.9 + (-8)*0.6 + 6*0.7 = 17.4
	if diff := tr.PredictedScore - 17.4; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("predictedScore = %v, want 17.4", tr.PredictedScore)
	}
	if len(tr.Outcomes) != 3 {
		t.Fatalf("expected 3 seeded outcomes, got %d", len(tr.Outcomes))
	}

	// Day 1: the readiness boost lands close to prediction.
	clock = clock.Add(24 * time.Hour)
	observe := func(id uuid.UUID, version int64, impact *float64, status models.OutcomeStatus) models.DecisionTracking {
		t.Helper()
		updated, err := svc.ApplyObservation(ctx, tr.ID, tracking.ObservationEvent{
			ConsequenceID:      id,
			ObservationVersion: version,
			ActualImpactScore:  impact,
			OutcomeStatus:      status,
		})
		if err != nil {
			t.Fatalf("observe %s v%d: %v", id, version, err)
		}
		return updated
	}
	score := func(v float64) *float64 { return &v }

	updated := observe(boostID, 1, score(18), models.OutcomeComplete)
	if updated.Status != models.TrackingUnfolding {
		t.Fatalf("status = %q, want unfolding", updated.Status)
	}

	// Day 2: logistics strain much worse than predicted; political effect never
	// materialized despite a 0.7 likelihood.
	clock = clock.Add(24 * time.Hour)
	updated = observe(strainID, 1, score(-16), models.OutcomeComplete)
	if updated.Status != models.TrackingNeedsReview {
		t.Fatalf("status = %q, want needs_review after magnitude miss", updated.Status)
	}
	updated = observe(goodwillID, 1, nil, models.OutcomeComplete)

	if len(updated.Discrepancies) != 2 {
		t.Fatalf("expected magnitude and non_occurrence discrepancies, got %+v", updated.Discrepancies)
	}

	// Reviewer resolves both.
	for _, d := range updated.Discrepancies {
		updated, err = svc.AttachRootCause(ctx, tr.ID, d.ID, "fuel consumption model out of date", "refresh consumption tables")
		if err != nil {
			t.Fatalf("attach root cause: %v", err)
		}
	}
	if updated.Status != models.TrackingComplete {
		t.Fatalf("status = %q, want complete after review", updated.Status)
	}
	if len(updated.Learnings) < 2 {
		t.Fatalf("expected a learning per resolved discrepancy, got %d", len(updated.Learnings))
	}

	// Cross-decision monitor sees the net readiness movement.
	dim := models.DomainReadiness
	monitors, err := svc.ImpactMonitors(ctx, &dim)
	if err != nil {
		t.Fatalf("impact monitors: %v", err)
	}
	if len(monitors) != 1 {
		t.Fatalf("expected 1 monitor, got %d", len(monitors))
	}
	if monitors[0].NetImpact != 18 {
		t.Fatalf("readiness netImpact = %v, want 18", monitors[0].NetImpact)
	}
	if monitors[0].Forecast == nil {
		t.Fatal("monitor missing forecast")
	}

	closed, err := svc.CloseTracking(ctx, tr.ID)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if closed.Status != models.TrackingClosed {
		t.Fatalf("status = %q, want closed", closed.Status)
	}

	// Closed records drop out of the monitors.
	monitors, err = svc.ImpactMonitors(ctx, &dim)
	if err != nil {
		t.Fatalf("impact monitors after close: %v", err)
	}
	if monitors[0].NetImpact != 0 {
		t.Fatalf("closed record still contributing: netImpact = %v", monitors[0].NetImpact)
	}
}

// An observation stream arriving out of order and with duplicates converges
// to the same record as the ordered stream.
func TestObservationReplayConvergence(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2026, 3, 14, 6, 0, 0, 0, time.UTC)

	build := func() (*service.Service, uuid.UUID, uuid.UUID) {
		memStore := store.NewMemoryStore()
		svc := service.New(memStore,
			analysis.New(analysis.Config{}),
			tracking.New(tracking.Config{}),
			monitor.New(monitor.Config{}),
		).WithClock(func() time.Time { return clock })
		if err := svc.SeedDimensions(ctx); err != nil {
			t.Fatalf("seed dimensions: %v", err)
		}
		consequenceID := uuid.MustParse("99999999-9999-9999-9999-999999999999")
		d, err := svc.CreateDecision(ctx, models.Decision{
			Title:   "deploy counter-battery radar",
			Urgency: models.UrgencyHigh,
			Options: []models.DecisionOption{{
				ID:       "opt-deploy",
				Label:    "Deploy",
				Timeline: models.OptionTimeline{FullImpactHours: 48},
				Consequences: []models.Consequence{{
					ID: consequenceID, Description: "improved force protection", Type: models.ConsequencePositive,
					Domain: models.DomainForceProtection, ImpactScore: 12, Likelihood: 0.9,
				}},
			}},
		})
		if err != nil {
			t.Fatalf("create decision: %v", err)
		}
		tr, err := svc.SelectOption(ctx, d.ID, "opt-deploy")
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		return svc, tr.ID, consequenceID
	}

	apply := func(svc *service.Service, trackingID, consequenceID uuid.UUID, version int64, impact float64) {
		t.Helper()
		_, err := svc.ApplyObservation(ctx, trackingID, tracking.ObservationEvent{
			ConsequenceID:      consequenceID,
			ObservationVersion: version,
			ActualImpactScore:  &impact,
			OutcomeStatus:      models.OutcomeComplete,
		})
		if err != nil {
			var ooo *tracking.OutOfOrderError
			if errors.As(err, &ooo) {
				return // stale, dropped by design
			}
			t.Fatalf("apply v%d: %v", version, err)
		}
	}

	ordered, orderedTracking, orderedConsequence := build()
	for _, v := range []struct {
		version int64
		impact  float64
	}{{1, 5}, {2, 9}, {3, 11}} {
		apply(ordered, orderedTracking, orderedConsequence, v.version, v.impact)
	}

	scrambled, scrambledTracking, scrambledConsequence := build()
	for _, v := range []struct {
		version int64
		impact  float64
	}{{2, 9}, {3, 11}, {1, 5}, {3, 11}, {2, 9}} {
		apply(scrambled, scrambledTracking, scrambledConsequence, v.version, v.impact)
	}

	a, err := ordered.GetTracking(ctx, orderedTracking)
	if err != nil {
		t.Fatalf("get ordered: %v", err)
	}
	b, err := scrambled.GetTracking(ctx, scrambledTracking)
	if err != nil {
		t.Fatalf("get scrambled: %v", err)
	}
	if a.ActualScore != b.ActualScore || a.Accuracy != b.Accuracy || a.Status != b.Status {
		t.Fatalf("streams diverged: ordered %v/%v/%s vs scrambled %v/%v/%s",
			a.ActualScore, a.Accuracy, a.Status, b.ActualScore, b.Accuracy, b.Status)
	}
	if a.Outcomes[0].ObservationVersion != 3 || b.Outcomes[0].ObservationVersion != 3 {
		t.Fatalf("final versions = %d and %d, want 3",
			a.Outcomes[0].ObservationVersion, b.Outcomes[0].ObservationVersion)
	}
}
