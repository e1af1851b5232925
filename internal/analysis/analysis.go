package analysis

import (
	"sort"
	"time"

	"github.com/commandpost/decision-impact/internal/models"
)

// Config carries the scoring knobs. SecondaryDiscount is the weight cascaded
// 24-72h consequences contribute to an option's overall score relative to
// immediate ones.
type Config struct {
	SecondaryDiscount float64
}

const defaultSecondaryDiscount = 0.6

func (c Config) discount() float64 {
	if c.SecondaryDiscount <= 0 {
		return defaultSecondaryDiscount
	}
	return c.SecondaryDiscount
}

// Engine is a pure function of (decision, dimension state). It never mutates
// its inputs and is safe to re-run on demand.
type Engine struct {
	cfg Config
}

func New(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// Analyze scores every option of the decision, computes per-dimension
// trade-offs against the supplied dimension state, and picks a recommended
// option. Ties break on fewer threshold breaches, then fewer unavailable
// resource requirements, then the lexicographically smallest option id.
func (e *Engine) Analyze(d models.Decision, dims map[models.Domain]models.DimensionConfig, now time.Time) (models.DecisionAnalysis, error) {
	known := make(map[models.Domain]bool, len(dims))
	for name := range dims {
		known[name] = true
	}
	if err := d.Validate(known); err != nil {
		return models.DecisionAnalysis{}, err
	}
	if len(d.Options) == 0 {
		return models.DecisionAnalysis{}, &models.ValidationError{Field: "options", Reason: "nothing to analyze"}
	}

	analyzed := make([]models.AnalyzedOption, 0, len(d.Options))
	for _, opt := range d.Options {
		analyzed = append(analyzed, e.analyzeOption(opt, dims))
	}

	result := models.DecisionAnalysis{
		DecisionID:      d.ID,
		AnalyzedOptions: analyzed,
		GeneratedAt:     now.UTC(),
	}
	best := pickRecommended(analyzed)
	result.RecommendedOptionID = best.Option.ID
	result.NoGoodOption = allNonPositive(analyzed)
	return result, nil
}

func (e *Engine) analyzeOption(opt models.DecisionOption, dims map[models.Domain]models.DimensionConfig) models.AnalyzedOption {
	immediate := make([]models.Consequence, 0, len(opt.Consequences))
	var secondary []models.SecondaryConsequence
	for _, c := range opt.Consequences {
		flat := c
		flat.Cascaded = nil
		immediate = append(immediate, flat)
		secondary = append(secondary, c.Cascaded...)
	}

	var score float64
	impactByDim := map[models.Domain]float64{}
	for _, c := range immediate {
		weighted := c.ImpactScore * c.Likelihood
		score += weighted
		impactByDim[c.Domain] += weighted
	}
	discount := e.cfg.discount()
	for _, sc := range secondary {
		weighted := sc.ImpactScore * sc.Likelihood
		score += discount * weighted
		impactByDim[sc.Domain] += discount * weighted
	}

	tradeOffs := make([]models.TradeOff, 0, len(impactByDim))
	for dim, impact := range impactByDim {
		cfg, ok := dims[dim]
		if !ok {
			continue
		}
		newScore := cfg.CurrentScore + impact
		breaches := false
		if cfg.LowerIsWorse {
			breaches = newScore < cfg.Threshold
		} else {
			breaches = newScore > cfg.Threshold
		}
		tradeOffs = append(tradeOffs, models.TradeOff{
			Dimension:         dim,
			CurrentScore:      cfg.CurrentScore,
			NewScore:          newScore,
			ProjectedImpact:   impact,
			Threshold:         cfg.Threshold,
			BreachesThreshold: breaches,
		})
	}
	sort.Slice(tradeOffs, func(i, j int) bool {
		return tradeOffs[i].Dimension < tradeOffs[j].Dimension
	})

	return models.AnalyzedOption{
		Option:                opt,
		ImmediateConsequences: immediate,
		SecondaryConsequences: secondary,
		TradeOffs:             tradeOffs,
		OverallScore:          score,
	}
}

func breachCount(a models.AnalyzedOption) int {
	n := 0
	for _, t := range a.TradeOffs {
		if t.BreachesThreshold {
			n++
		}
	}
	return n
}

func unavailableCount(a models.AnalyzedOption) int {
	n := 0
	for _, r := range a.Option.Resources {
		if r.Availability == models.ResourceUnavailable {
			n++
		}
	}
	return n
}

// pickRecommended chooses deterministically: highest score, then fewest
// threshold breaches, then fewest unavailable resources, then smallest id.
// An option with zero consequences scores 0 and loses to any strictly
// positive option by the first rule.
func pickRecommended(analyzed []models.AnalyzedOption) models.AnalyzedOption {
	best := analyzed[0]
	for _, cand := range analyzed[1:] {
		if better(cand, best) {
			best = cand
		}
	}
	return best
}

func better(a, b models.AnalyzedOption) bool {
	if a.OverallScore != b.OverallScore {
		return a.OverallScore > b.OverallScore
	}
	if ab, bb := breachCount(a), breachCount(b); ab != bb {
		return ab < bb
	}
	if au, bu := unavailableCount(a), unavailableCount(b); au != bu {
		return au < bu
	}
	return a.Option.ID < b.Option.ID
}

func allNonPositive(analyzed []models.AnalyzedOption) bool {
	for _, a := range analyzed {
		if a.OverallScore > 0 {
			return false
		}
	}
	return true
}
