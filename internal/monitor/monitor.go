package monitor

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/commandpost/decision-impact/internal/models"
)

// Config carries the forecasting and alerting knobs.
type Config struct {
	// DecayRatePerDay is the fraction of a record's realized impact that
	// regresses toward baseline per day the record runs past its expected
	// duration. Capped at 1.0 of the gap.
	DecayRatePerDay float64

	// SpreadScale converts aggregate likelihood uncertainty of pending
	// outcomes into a confidence-interval half-width.
	SpreadScale float64

	// WarningBand is the fraction of the threshold within which the current
	// score triggers a warning alert.
	WarningBand float64

	// AlertHorizonDays is how far out an extrapolated threshold crossing
	// still counts as critical.
	AlertHorizonDays int

	// RecentWindow is how many of the latest observations feed the trend
	// slope extrapolation.
	RecentWindow int
}

const (
	defaultDecayRatePerDay  = 0.05
	defaultSpreadScale      = 4.0
	defaultWarningBand      = 0.10
	defaultAlertHorizonDays = 14
	defaultRecentWindow     = 5
)

func (c Config) withDefaults() Config {
	if c.DecayRatePerDay <= 0 {
		c.DecayRatePerDay = defaultDecayRatePerDay
	}
	if c.SpreadScale <= 0 {
		c.SpreadScale = defaultSpreadScale
	}
	if c.WarningBand <= 0 {
		c.WarningBand = defaultWarningBand
	}
	if c.AlertHorizonDays <= 0 {
		c.AlertHorizonDays = defaultAlertHorizonDays
	}
	if c.RecentWindow <= 0 {
		c.RecentWindow = defaultRecentWindow
	}
	return c
}

// Engine aggregates tracking records into per-dimension monitors. Pull-based:
// every computation starts from the full record set, never from a stored
// delta, so partial updates cannot drift.
type Engine struct {
	cfg Config
}

func New(cfg Config) *Engine {
	return &Engine{cfg: cfg.withDefaults()}
}

type observation struct {
	at     time.Time
	impact float64
}

// Compute builds one monitor per registered dimension touched by at least one
// non-closed tracking record, sorted by dimension name.
func (e *Engine) Compute(records []models.DecisionTracking, dims map[models.Domain]models.DimensionConfig, now time.Time) []models.DecisionImpactMonitor {
	var monitors []models.DecisionImpactMonitor
	for dim, cfg := range dims {
		contributing := contributingRecords(records, dim)
		if len(contributing) == 0 {
			continue
		}
		monitors = append(monitors, e.computeDimension(dim, cfg, contributing, now))
	}
	sort.Slice(monitors, func(i, j int) bool {
		return monitors[i].Dimension < monitors[j].Dimension
	})
	return monitors
}

// ComputeDimension builds the monitor for one dimension. A dimension no
// record touches yields an empty monitor at baseline.
func (e *Engine) ComputeDimension(records []models.DecisionTracking, dim models.Domain, cfg models.DimensionConfig, now time.Time) models.DecisionImpactMonitor {
	contributing := contributingRecords(records, dim)
	if len(contributing) == 0 {
		return models.DecisionImpactMonitor{
			Dimension:    dim,
			Baseline:     cfg.Baseline,
			CurrentScore: cfg.Baseline,
			Trend:        models.TrendStable,
			ComputedAt:   now.UTC(),
		}
	}
	return e.computeDimension(dim, cfg, contributing, now)
}

func contributingRecords(records []models.DecisionTracking, dim models.Domain) []models.DecisionTracking {
	var out []models.DecisionTracking
	for _, r := range records {
		if r.Status == models.TrackingClosed {
			continue
		}
		for _, o := range r.Outcomes {
			if o.Domain == dim {
				out = append(out, r)
				break
			}
		}
	}
	return out
}

func (e *Engine) computeDimension(dim models.Domain, cfg models.DimensionConfig, records []models.DecisionTracking, now time.Time) models.DecisionImpactMonitor {
	var (
		realized     float64
		observations []observation
		contributors []models.ContributingDecision
		needsReview  bool
	)

	for _, r := range records {
		var recordImpact float64
		var cascaded []models.CascadedImpact
		ongoing := false
		for _, o := range r.Outcomes {
			if o.Domain != dim {
				continue
			}
			if o.Actual != nil {
				recordImpact += o.Actual.ImpactScore
				observations = append(observations, observation{at: o.Actual.ObservedAt, impact: o.Actual.ImpactScore})
			}
			if !o.Status.Terminal() {
				ongoing = true
			}
			if o.Predicted != nil && o.Predicted.Secondary {
				impact := o.Predicted.ImpactScore
				if o.Actual != nil {
					impact = o.Actual.ImpactScore
				}
				cascaded = append(cascaded, models.CascadedImpact{Description: o.Description, ImpactScore: impact})
			}
		}
		realized += recordImpact
		if r.Status == models.TrackingNeedsReview {
			needsReview = true
		}
		contributors = append(contributors, models.ContributingDecision{
			DecisionID:      r.DecisionID,
			Title:           r.DecisionTitle,
			TotalImpact:     recordImpact,
			DaysAgo:         r.DaysElapsed(now),
			IsOngoing:       ongoing || r.Status == models.TrackingUnfolding,
			CascadedImpacts: cascaded,
		})
	}
	sort.Slice(observations, func(i, j int) bool { return observations[i].at.Before(observations[j].at) })
	sort.Slice(contributors, func(i, j int) bool { return contributors[i].DecisionID.String() < contributors[j].DecisionID.String() })

	current := cfg.Baseline + realized
	net := current - cfg.Baseline

	mon := models.DecisionImpactMonitor{
		Dimension:             dim,
		Baseline:              cfg.Baseline,
		CurrentScore:          current,
		NetImpact:             net,
		Trend:                 classifyTrend(net, needsReview, observations),
		ContributingDecisions: contributors,
		ComputedAt:            now.UTC(),
	}

	forecast := e.forecast(dim, records, current, cfg.Baseline, now)
	mon.Forecast = &forecast
	mon.Alerts = e.alerts(dim, cfg, records, current, forecast, observations, now)
	return mon
}

// classifyTrend: critical when an unresolved review touches a dimension that
// is net-negative; otherwise declining/improving when net impact and the most
// recent observations agree on direction; stable otherwise.
func classifyTrend(net float64, needsReview bool, obs []observation) models.Trend {
	if needsReview && net < 0 {
		return models.TrendCritical
	}
	recent := obs
	if len(recent) > 3 {
		recent = recent[len(recent)-3:]
	}
	if net < 0 && len(recent) > 0 && monotonic(recent, false) {
		return models.TrendDeclining
	}
	if net > 0 && len(recent) > 0 && monotonic(recent, true) {
		return models.TrendImproving
	}
	return models.TrendStable
}

// monotonic reports whether successive observed impacts never worsen
// (rising=true) or never improve (rising=false).
func monotonic(obs []observation, rising bool) bool {
	for i := 1; i < len(obs); i++ {
		if rising && obs[i].impact < obs[i-1].impact {
			return false
		}
		if !rising && obs[i].impact > obs[i-1].impact {
			return false
		}
	}
	return true
}

func (e *Engine) forecast(dim models.Domain, records []models.DecisionTracking, current, baseline float64, now time.Time) models.Forecast {
	var outstanding, uncertainty, decay float64
	for _, r := range records {
		var recordRealized float64
		for _, o := range r.Outcomes {
			if o.Domain != dim {
				continue
			}
			if o.Actual != nil {
				recordRealized += o.Actual.ImpactScore
			}
			if o.Predicted == nil || o.Status.Terminal() {
				continue
			}
			outstanding += o.Predicted.ImpactScore * o.Predicted.Likelihood
			uncertainty += 1 - o.Predicted.Likelihood
		}
		overdue := r.DaysElapsed(now) - r.ExpectedDurationDays
		if overdue > 0 {
			fraction := math.Min(1, e.cfg.DecayRatePerDay*float64(overdue))
			decay -= recordRealized * fraction
		}
	}
	projected := current + outstanding + decay
	spread := e.cfg.SpreadScale * uncertainty
	return models.Forecast{
		ProjectedScore: projected,
		ConfidenceLow:  projected - spread,
		ConfidenceHigh: projected + spread,
		NaturalDecay:   decay,
	}
}

// alerts emits the most severe applicable alert: critical when the threshold
// is projected or extrapolated to be crossed within the horizon, warning when
// already within the warning band, info when an unresolved discrepancy
// surfaced in a contributing record.
func (e *Engine) alerts(dim models.Domain, cfg models.DimensionConfig, records []models.DecisionTracking, current float64, fc models.Forecast, obs []observation, now time.Time) []models.Alert {
	threshold := cfg.Threshold
	recommended := mostSevereRecommendation(records)

	crossed := func(score float64) bool {
		if cfg.LowerIsWorse {
			return score < threshold
		}
		return score > threshold
	}

	daysTo := extrapolateDaysToThreshold(cfg, current, obs, e.cfg.RecentWindow)

	if crossed(fc.ProjectedScore) || (daysTo != nil && *daysTo <= e.cfg.AlertHorizonDays) {
		msg := fmt.Sprintf("%s projected to cross threshold %.1f", dim, threshold)
		if daysTo != nil {
			msg = fmt.Sprintf("%s on pace to cross threshold %.1f within %d days", dim, threshold, *daysTo)
		}
		return []models.Alert{{
			Severity:          models.AlertCritical,
			Message:           msg,
			DaysToThreshold:   daysTo,
			Threshold:         &threshold,
			RecommendedAction: recommended,
		}}
	}

	band := e.cfg.WarningBand * math.Max(math.Abs(threshold), 1)
	if math.Abs(current-threshold) <= band {
		return []models.Alert{{
			Severity:          models.AlertWarning,
			Message:           fmt.Sprintf("%s score %.1f within %.0f%% of threshold %.1f", dim, current, e.cfg.WarningBand*100, threshold),
			Threshold:         &threshold,
			RecommendedAction: recommended,
		}}
	}

	if recommended != nil || hasUnresolvedDiscrepancy(records) {
		return []models.Alert{{
			Severity:          models.AlertInfo,
			Message:           fmt.Sprintf("prediction discrepancy recorded on a decision affecting %s", dim),
			RecommendedAction: recommended,
		}}
	}
	return nil
}

// extrapolateDaysToThreshold fits the recent observation window to a per-day
// slope and projects when the dimension score meets the threshold. Nil when
// the score is not moving toward the threshold.
func extrapolateDaysToThreshold(cfg models.DimensionConfig, current float64, obs []observation, window int) *int {
	if len(obs) < 2 {
		return nil
	}
	recent := obs
	if len(recent) > window {
		recent = recent[len(recent)-window:]
	}
	days := recent[len(recent)-1].at.Sub(recent[0].at).Hours() / 24
	if days <= 0 {
		return nil
	}
	var sum float64
	for _, o := range recent {
		sum += o.impact
	}
	slope := sum / days
	gap := cfg.Threshold - current
	if slope == 0 || gap == 0 {
		return nil
	}
	d := gap / slope
	if d <= 0 {
		return nil
	}
	n := int(math.Ceil(d))
	return &n
}

func hasUnresolvedDiscrepancy(records []models.DecisionTracking) bool {
	for _, r := range records {
		for _, d := range r.Discrepancies {
			if !d.Resolved() {
				return true
			}
		}
	}
	return false
}

// mostSevereRecommendation picks the recommendation off the unresolved
// discrepancy with the widest predicted/actual gap.
func mostSevereRecommendation(records []models.DecisionTracking) *string {
	var best *string
	var bestGap float64
	for _, r := range records {
		for _, d := range r.Discrepancies {
			if d.Resolved() || d.Recommendation == nil {
				continue
			}
			gap := math.Abs(d.PredictedImpact - d.ActualImpact)
			if best == nil || gap > bestGap {
				rec := *d.Recommendation
				best = &rec
				bestGap = gap
			}
		}
	}
	return best
}
