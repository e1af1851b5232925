package models

import (
	"fmt"
	"math"
)

// ValidationError reports a malformed input. Field names the offending field
// so callers can render an actionable message.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

const scoreDerivationTolerance = 1e-9

// Validate checks the decision invariants: a valid urgency, and a non-empty
// option set once the decision has left draft.
func (d Decision) Validate(knownDomains map[Domain]bool) error {
	if d.Title == "" {
		return invalid("title", "required")
	}
	if !d.Urgency.Valid() {
		return invalid("urgency", "must be one of critical|high|medium|low, got %q", d.Urgency)
	}
	if d.Status != DecisionDraft && len(d.Options) == 0 {
		return invalid("options", "must be non-empty once decision leaves draft")
	}
	seen := map[string]bool{}
	for i, opt := range d.Options {
		if err := opt.Validate(knownDomains); err != nil {
			return err
		}
		if seen[opt.ID] {
			return invalid("options", "duplicate option id %q at index %d", opt.ID, i)
		}
		seen[opt.ID] = true
	}
	for _, rf := range d.RiskFactors {
		if !rf.Severity.Valid() {
			return invalid("riskFactors.severity", "unknown severity %q", rf.Severity)
		}
	}
	return nil
}

func (o DecisionOption) Validate(knownDomains map[Domain]bool) error {
	if o.ID == "" {
		return invalid("option.id", "required")
	}
	if o.Label == "" {
		return invalid("option.label", "required for option %q", o.ID)
	}
	if o.Confidence != nil && (*o.Confidence < 0 || *o.Confidence > 1) {
		return invalid("option.confidence", "must be in [0,1], got %v", *o.Confidence)
	}
	for _, res := range o.Resources {
		if !res.Availability.Valid() {
			return invalid("option.resources.availability", "unknown availability %q", res.Availability)
		}
	}
	for _, c := range o.Consequences {
		if err := c.Validate(knownDomains); err != nil {
			return err
		}
	}
	return nil
}

func (c Consequence) Validate(knownDomains map[Domain]bool) error {
	if c.Likelihood < 0 || c.Likelihood > 1 {
		return invalid("consequence.likelihood", "must be in [0,1], got %v", c.Likelihood)
	}
	if !c.Type.Valid() {
		return invalid("consequence.type", "must be positive or negative, got %q", c.Type)
	}
	if knownDomains != nil && !knownDomains[c.Domain] {
		return invalid("consequence.domain", "unknown dimension %q", c.Domain)
	}
	for _, sc := range c.Cascaded {
		if sc.Likelihood < 0 || sc.Likelihood > 1 {
			return invalid("cascaded.likelihood", "must be in [0,1], got %v", sc.Likelihood)
		}
		if !sc.Type.Valid() {
			return invalid("cascaded.type", "must be positive or negative, got %q", sc.Type)
		}
		if knownDomains != nil && !knownDomains[sc.Domain] {
			return invalid("cascaded.domain", "unknown dimension %q", sc.Domain)
		}
	}
	return nil
}

// Validate rejects a trade-off entry whose NewScore is not derivable as
// CurrentScore + ProjectedImpact.
func (t TradeOff) Validate() error {
	if math.Abs(t.NewScore-(t.CurrentScore+t.ProjectedImpact)) > scoreDerivationTolerance {
		return invalid("tradeOff.newScore",
			"not derivable: currentScore %v + projectedImpact %v != newScore %v",
			t.CurrentScore, t.ProjectedImpact, t.NewScore)
	}
	return nil
}
