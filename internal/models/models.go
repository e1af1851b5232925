package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Urgency string

const (
	UrgencyCritical Urgency = "critical"
	UrgencyHigh     Urgency = "high"
	UrgencyMedium   Urgency = "medium"
	UrgencyLow      Urgency = "low"
)

func (u Urgency) Valid() bool {
	switch u {
	case UrgencyCritical, UrgencyHigh, UrgencyMedium, UrgencyLow:
		return true
	}
	return false
}

type DecisionStatus string

const (
	DecisionDraft    DecisionStatus = "draft"
	DecisionOpen     DecisionStatus = "open"
	DecisionResolved DecisionStatus = "resolved"
)

type ConsequenceType string

const (
	ConsequencePositive ConsequenceType = "positive"
	ConsequenceNegative ConsequenceType = "negative"
)

func (c ConsequenceType) Valid() bool {
	return c == ConsequencePositive || c == ConsequenceNegative
}

type ResourceAvailability string

const (
	ResourceAvailable   ResourceAvailability = "available"
	ResourceConstrained ResourceAvailability = "constrained"
	ResourceUnavailable ResourceAvailability = "unavailable"
)

func (a ResourceAvailability) Valid() bool {
	switch a {
	case ResourceAvailable, ResourceConstrained, ResourceUnavailable:
		return true
	}
	return false
}

// Domain names one impact dimension (readiness, political, ...). The set is
// extensible through dimension registration but never free-form: every
// reference is validated against the registered set.
type Domain string

const (
	DomainReadiness       Domain = "readiness"
	DomainPolitical       Domain = "political"
	DomainEconomic        Domain = "economic"
	DomainCivilian        Domain = "civilian"
	DomainIntelligence    Domain = "intelligence"
	DomainLogistics       Domain = "logistics"
	DomainForceProtection Domain = "force_protection"
)

// SeedDomains are registered at startup; the metrics collaborator may add more.
func SeedDomains() []Domain {
	return []Domain{
		DomainReadiness,
		DomainPolitical,
		DomainEconomic,
		DomainCivilian,
		DomainIntelligence,
		DomainLogistics,
		DomainForceProtection,
	}
}

type RiskFactor struct {
	Description string  `json:"description"`
	Severity    Urgency `json:"severity"`
}

type DecisionContext struct {
	Stakeholders []string `json:"stakeholders,omitempty"`
	BriefRef     *string  `json:"briefRef,omitempty"`
}

// OptionTimeline describes the execution profile of one course of action.
// All horizons are hours from execution start.
type OptionTimeline struct {
	ExecutionHours       int  `json:"executionHours"`
	FirstImpactHours     int  `json:"firstImpactHours"`
	FullImpactHours      int  `json:"fullImpactHours"`
	ReversibleWithinHours *int `json:"reversibleWithinHours,omitempty"`
}

type ResourceRequirement struct {
	Type         string               `json:"type"`
	Quantity     float64              `json:"quantity"`
	Unit         string               `json:"unit"`
	Availability ResourceAvailability `json:"availability"`
}

// SecondaryConsequence is a cascaded 24-72h effect. Deliberately a separate
// type with no further nesting: cascades are bounded to one level.
type SecondaryConsequence struct {
	ID          uuid.UUID       `json:"id"`
	Description string          `json:"description"`
	Type        ConsequenceType `json:"type"`
	Domain      Domain          `json:"domain"`
	ImpactScore float64         `json:"impactScore"`
	Likelihood  float64         `json:"likelihood"`
	HorizonHours int            `json:"horizonHours"`
}

// Consequence is an immediate predicted effect of choosing an option.
// Immutable once produced; later only referenced by outcome records.
type Consequence struct {
	ID          uuid.UUID              `json:"id"`
	Description string                 `json:"description"`
	Type        ConsequenceType        `json:"type"`
	Domain      Domain                 `json:"domain"`
	ImpactScore float64                `json:"impactScore"`
	Likelihood  float64                `json:"likelihood"`
	Cascaded    []SecondaryConsequence `json:"cascaded,omitempty"`
}

type DecisionOption struct {
	ID           string                `json:"id"`
	Label        string                `json:"label"`
	Description  string                `json:"description,omitempty"`
	Timeline     OptionTimeline        `json:"timeline"`
	Resources    []ResourceRequirement `json:"resources,omitempty"`
	Confidence   *float64              `json:"confidence,omitempty"`
	Consequences []Consequence         `json:"consequences,omitempty"`
}

type Decision struct {
	ID          uuid.UUID        `json:"id"`
	Title       string           `json:"title"`
	Description string           `json:"description,omitempty"`
	Urgency     Urgency          `json:"urgency"`
	Deadline    *time.Time       `json:"deadline,omitempty"`
	Context     DecisionContext  `json:"context"`
	Options     []DecisionOption `json:"options"`
	RiskFactors []RiskFactor     `json:"riskFactors,omitempty"`
	ROEStatus   *string          `json:"roeStatus,omitempty"`
	Routing     json.RawMessage  `json:"routing,omitempty"`
	Status      DecisionStatus   `json:"status"`
	SelectedOptionID *string     `json:"selectedOptionId,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
	UpdatedAt   time.Time        `json:"updatedAt"`
}

// TradeOff is the per-dimension projection for one option. NewScore must be
// derivable as CurrentScore + ProjectedImpact.
type TradeOff struct {
	Dimension         Domain  `json:"dimension"`
	CurrentScore      float64 `json:"currentScore"`
	NewScore          float64 `json:"newScore"`
	ProjectedImpact   float64 `json:"projectedImpact"`
	Threshold         float64 `json:"threshold"`
	BreachesThreshold bool    `json:"breachesThreshold"`
}

type AnalyzedOption struct {
	Option                DecisionOption         `json:"option"`
	ImmediateConsequences []Consequence          `json:"immediateConsequences"`
	SecondaryConsequences []SecondaryConsequence `json:"secondaryConsequences"`
	TradeOffs             []TradeOff             `json:"tradeOffAnalysis"`
	OverallScore          float64                `json:"overallScore"`
}

type DecisionAnalysis struct {
	DecisionID          uuid.UUID        `json:"decisionId"`
	AnalyzedOptions     []AnalyzedOption `json:"analyzedOptions"`
	RecommendedOptionID string           `json:"recommendedOptionId"`
	NoGoodOption        bool             `json:"noGoodOption"`
	GeneratedAt         time.Time        `json:"generatedAt"`
}

type OutcomeStatus string

const (
	OutcomePending     OutcomeStatus = "pending"
	OutcomeOnTrack     OutcomeStatus = "on_track"
	OutcomeComplete    OutcomeStatus = "complete"
	OutcomeUnexpected  OutcomeStatus = "unexpected"
	OutcomeRiskAvoided OutcomeStatus = "risk_avoided"
)

func (s OutcomeStatus) Valid() bool {
	switch s {
	case OutcomePending, OutcomeOnTrack, OutcomeComplete, OutcomeUnexpected, OutcomeRiskAvoided:
		return true
	}
	return false
}

// Terminal reports whether no further observation is expected for the outcome.
func (s OutcomeStatus) Terminal() bool {
	switch s {
	case OutcomeComplete, OutcomeRiskAvoided, OutcomeUnexpected:
		return true
	}
	return false
}

type TrackingStatus string

const (
	TrackingUnfolding   TrackingStatus = "unfolding"
	TrackingComplete    TrackingStatus = "complete"
	TrackingNeedsReview TrackingStatus = "needs_review"
	TrackingClosed      TrackingStatus = "closed"
)

type PredictedOutcome struct {
	ImpactScore    float64 `json:"impactScore"`
	Likelihood     float64 `json:"likelihood"`
	TimeframeHours int     `json:"timeframeHours"`
	Secondary      bool    `json:"secondary,omitempty"`
}

type ActualOutcome struct {
	ImpactScore float64   `json:"impactScore"`
	Notes       string    `json:"notes,omitempty"`
	ObservedAt  time.Time `json:"observedAt"`
}

// ConsequenceOutcome links one predicted consequence (or an unanticipated one)
// to its observed reality. Variance is actual minus predicted impact score,
// raw magnitudes, meaningful only once Actual is present.
type ConsequenceOutcome struct {
	ConsequenceID      uuid.UUID         `json:"consequenceId"`
	Description        string            `json:"description"`
	Domain             Domain            `json:"domain"`
	Status             OutcomeStatus     `json:"status"`
	Predicted          *PredictedOutcome `json:"predicted,omitempty"`
	Actual             *ActualOutcome    `json:"actual,omitempty"`
	Variance           *float64          `json:"variance,omitempty"`
	ObservationVersion int64             `json:"observationVersion"`
}

type DiscrepancyType string

const (
	DiscrepancyMagnitude     DiscrepancyType = "magnitude"
	DiscrepancyUnexpected    DiscrepancyType = "unexpected"
	DiscrepancyNonOccurrence DiscrepancyType = "non_occurrence"
)

type Discrepancy struct {
	ID              uuid.UUID       `json:"id"`
	ConsequenceID   uuid.UUID       `json:"consequenceId"`
	Description     string          `json:"description"`
	Type            DiscrepancyType `json:"type"`
	PredictedImpact float64         `json:"predictedImpact"`
	ActualImpact    float64         `json:"actualImpact"`
	RootCause       *string         `json:"rootCause,omitempty"`
	Recommendation  *string         `json:"recommendation,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
}

// Resolved reports whether a reviewer has supplied a root cause.
func (d Discrepancy) Resolved() bool { return d.RootCause != nil }

type Learning struct {
	ID                   uuid.UUID `json:"id"`
	Category             string    `json:"category"`
	Insight              string    `json:"insight"`
	Recommendation       string    `json:"recommendation,omitempty"`
	ModelUpdateWarranted bool      `json:"modelUpdateWarranted,omitempty"`
	CreatedAt            time.Time `json:"createdAt"`
}

// DecisionTracking is the post-selection ledger for one decision. Aggregate
// fields (ActualScore, Accuracy, Status) are always recomputed from Outcomes,
// never incremented.
type DecisionTracking struct {
	ID                   uuid.UUID            `json:"id"`
	DecisionID           uuid.UUID            `json:"decisionId"`
	DecisionTitle        string               `json:"decisionTitle"`
	SelectedOptionID     string               `json:"selectedOptionId"`
	SelectedOptionLabel  string               `json:"selectedOptionLabel"`
	StartedAt            time.Time            `json:"startedAt"`
	ExpectedDurationDays int                  `json:"expectedDurationDays"`
	PredictedScore       float64              `json:"predictedScore"`
	ActualScore          float64              `json:"actualScore"`
	Accuracy             float64              `json:"accuracy"`
	Status               TrackingStatus       `json:"status"`
	Outcomes             []ConsequenceOutcome `json:"consequenceTracking"`
	Discrepancies        []Discrepancy        `json:"discrepancies,omitempty"`
	Learnings            []Learning           `json:"learnings,omitempty"`
	UpdatedAt            time.Time            `json:"updatedAt"`
}

// DaysElapsed is derived from StartedAt rather than stored, so replays and
// re-reads cannot drift.
func (t DecisionTracking) DaysElapsed(now time.Time) int {
	if now.Before(t.StartedAt) {
		return 0
	}
	return int(now.Sub(t.StartedAt).Hours() / 24)
}

type Trend string

const (
	TrendImproving Trend = "improving"
	TrendStable    Trend = "stable"
	TrendDeclining Trend = "declining"
	TrendCritical  Trend = "critical"
)

type AlertSeverity string

const (
	AlertInfo     AlertSeverity = "info"
	AlertWarning  AlertSeverity = "warning"
	AlertCritical AlertSeverity = "critical"
)

type CascadedImpact struct {
	Description string  `json:"description"`
	ImpactScore float64 `json:"impactScore"`
}

type ContributingDecision struct {
	DecisionID      uuid.UUID        `json:"decisionId"`
	Title           string           `json:"title"`
	TotalImpact     float64          `json:"totalImpact"`
	DaysAgo         int              `json:"daysAgo"`
	IsOngoing       bool             `json:"isOngoing"`
	CascadedImpacts []CascadedImpact `json:"cascadedImpacts,omitempty"`
}

type Forecast struct {
	ProjectedScore float64 `json:"projectedScore"`
	ConfidenceLow  float64 `json:"confidenceLow"`
	ConfidenceHigh float64 `json:"confidenceHigh"`
	NaturalDecay   float64 `json:"naturalDecay"`
}

type Alert struct {
	Severity         AlertSeverity `json:"severity"`
	Message          string        `json:"message"`
	DaysToThreshold  *int          `json:"daysToThreshold,omitempty"`
	Threshold        *float64      `json:"threshold,omitempty"`
	RecommendedAction *string      `json:"recommendedAction,omitempty"`
}

// DecisionImpactMonitor is the aggregated cross-decision view for one impact
// dimension. Always a full recomputation over the active tracking records.
type DecisionImpactMonitor struct {
	Dimension             Domain                 `json:"dimension"`
	Baseline              float64                `json:"baseline"`
	CurrentScore          float64                `json:"currentScore"`
	NetImpact             float64                `json:"netImpact"`
	Trend                 Trend                  `json:"trend"`
	ContributingDecisions []ContributingDecision `json:"contributingDecisions"`
	Forecast              *Forecast              `json:"forecast,omitempty"`
	Alerts                []Alert                `json:"alerts,omitempty"`
	ComputedAt            time.Time              `json:"computedAt"`
}

// DimensionConfig is supplied by the metrics/configuration collaborator:
// the pre-decision baseline, the alerting threshold, and which side of the
// threshold is unfavorable.
type DimensionConfig struct {
	Name         Domain    `json:"name"`
	Baseline     float64   `json:"baseline"`
	CurrentScore float64   `json:"currentScore"`
	Threshold    float64   `json:"threshold"`
	LowerIsWorse bool      `json:"lowerIsWorse"`
	UpdatedAt    time.Time `json:"updatedAt"`
}
