// Package strategy decides how much of a plan's base amount to buy in the
// current market.
package strategy

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// Kind names a strategy variant in persisted form.
type Kind string

const (
	KindClassic      Kind = "classic"
	KindAthBased     Kind = "ath_based"
	KindFearAndGreed Kind = "fear_and_greed"
)

// Strategy is a closed set: Classic, AthBased or FearAndGreed.
type Strategy interface {
	Kind() Kind
	sealed()
}

// Tier maps a lower bound to a multiplier. The tier with the highest bound
// not exceeding the observed value wins.
type Tier struct {
	LowerBound decimal.Decimal
	Multiplier decimal.Decimal
}

// Classic always buys the base amount.
type Classic struct{}

// AthBased scales by distance below the all-time high, expressed as a
// fraction in [0, 1].
type AthBased struct {
	Tiers []Tier
}

// FearAndGreed scales by the 0-100 sentiment index.
type FearAndGreed struct {
	Tiers []Tier
}

func (Classic) Kind() Kind      { return KindClassic }
func (AthBased) Kind() Kind     { return KindAthBased }
func (FearAndGreed) Kind() Kind { return KindFearAndGreed }

func (Classic) sealed()      {}
func (AthBased) sealed()     {}
func (FearAndGreed) sealed() {}

// MarketContext carries whatever market data could be fetched. Nil fields
// are unknown.
type MarketContext struct {
	Price     *decimal.Decimal
	ATH       *decimal.Decimal
	FearGreed *int
}

// Result is the evaluated multiplier plus a short explanation for logs.
type Result struct {
	Multiplier decimal.Decimal
	Reason     string
	// Degraded is set when market data was missing and the strategy fell
	// back to the base amount.
	Degraded bool
}

var one = decimal.NewFromInt(1)

// DefaultAthTiers buys more the further price sits below its ATH.
func DefaultAthTiers() []Tier {
	return []Tier{
		tier("0", "0.5"),
		tier("0.10", "1.0"),
		tier("0.30", "1.5"),
		tier("0.50", "2.0"),
		tier("0.70", "3.0"),
	}
}

// DefaultFearGreedTiers buys more in fear and less in greed.
func DefaultFearGreedTiers() []Tier {
	return []Tier{
		tier("0", "2.5"),
		tier("25", "1.5"),
		tier("45", "1.0"),
		tier("55", "0.5"),
		tier("75", "0.25"),
	}
}

func tier(bound, multiplier string) Tier {
	return Tier{LowerBound: decimal.RequireFromString(bound), Multiplier: decimal.RequireFromString(multiplier)}
}

// Multiplier is Evaluate without the explanation.
func Multiplier(s Strategy, mc MarketContext) decimal.Decimal {
	return Evaluate(s, mc).Multiplier
}

// Evaluate returns the unrounded amount multiplier for s. It never fails:
// missing data degrades to 1.
func Evaluate(s Strategy, mc MarketContext) Result {
	switch st := s.(type) {
	case nil, Classic, *Classic:
		return Result{Multiplier: one, Reason: "classic"}
	case AthBased:
		return evaluateAth(st.Tiers, mc)
	case *AthBased:
		return evaluateAth(st.Tiers, mc)
	case FearAndGreed:
		return evaluateFearGreed(st.Tiers, mc)
	case *FearAndGreed:
		return evaluateFearGreed(st.Tiers, mc)
	default:
		return Result{Multiplier: one, Reason: fmt.Sprintf("unknown strategy %T", s), Degraded: true}
	}
}

func evaluateAth(tiers []Tier, mc MarketContext) Result {
	if mc.Price == nil || mc.ATH == nil || !mc.ATH.IsPositive() {
		return degraded("ath unavailable")
	}
	distance := mc.ATH.Sub(*mc.Price).Div(*mc.ATH)
	distance = clamp(distance, decimal.Zero, one)
	m, ok := selectTier(tiers, distance)
	if !ok {
		return degraded("no ath tier for distance " + distance.StringFixed(4))
	}
	return Result{Multiplier: m, Reason: "ath distance " + distance.StringFixed(4)}
}

func evaluateFearGreed(tiers []Tier, mc MarketContext) Result {
	if mc.FearGreed == nil {
		return degraded("fear and greed index unavailable")
	}
	value := decimal.NewFromInt(int64(*mc.FearGreed))
	m, ok := selectTier(tiers, value)
	if !ok {
		return degraded("no fear and greed tier for " + value.String())
	}
	return Result{Multiplier: m, Reason: "fear and greed " + value.String()}
}

func degraded(reason string) Result {
	return Result{Multiplier: one, Reason: reason, Degraded: true}
}

// selectTier picks the tier with the highest lower bound <= value.
func selectTier(tiers []Tier, value decimal.Decimal) (decimal.Decimal, bool) {
	var (
		best  Tier
		found bool
	)
	for _, t := range tiers {
		if t.LowerBound.GreaterThan(value) {
			continue
		}
		if !found || t.LowerBound.GreaterThan(best.LowerBound) {
			best = t
			found = true
		}
	}
	if !found {
		return decimal.Zero, false
	}
	return best.Multiplier, true
}

func clamp(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}

// Validate checks tier tables before a plan is saved.
func Validate(s Strategy) error {
	switch st := s.(type) {
	case nil, Classic, *Classic:
		return nil
	case AthBased:
		return validateTiers(st.Tiers, decimal.Zero, one)
	case *AthBased:
		return validateTiers(st.Tiers, decimal.Zero, one)
	case FearAndGreed:
		return validateTiers(st.Tiers, decimal.Zero, decimal.NewFromInt(100))
	case *FearAndGreed:
		return validateTiers(st.Tiers, decimal.Zero, decimal.NewFromInt(100))
	default:
		return fmt.Errorf("unknown strategy %T", s)
	}
}

func validateTiers(tiers []Tier, lo, hi decimal.Decimal) error {
	if len(tiers) == 0 {
		return errors.New("strategy tiers must not be empty")
	}
	seen := make(map[string]struct{}, len(tiers))
	for i, t := range tiers {
		if t.LowerBound.LessThan(lo) || t.LowerBound.GreaterThan(hi) {
			return fmt.Errorf("tier %d: lower bound %s outside [%s, %s]", i, t.LowerBound, lo, hi)
		}
		if t.Multiplier.IsNegative() {
			return fmt.Errorf("tier %d: multiplier %s is negative", i, t.Multiplier)
		}
		key := t.LowerBound.String()
		if _, dup := seen[key]; dup {
			return fmt.Errorf("tier %d: duplicate lower bound %s", i, key)
		}
		seen[key] = struct{}{}
	}
	return nil
}

// Bounds returns the smallest and largest multiplier s can produce,
// including the degraded 1.
func Bounds(s Strategy) (lo, hi decimal.Decimal) {
	tiers := tiersOf(s)
	lo, hi = one, one
	for _, t := range tiers {
		lo = decimal.Min(lo, t.Multiplier)
		hi = decimal.Max(hi, t.Multiplier)
	}
	return lo, hi
}

func tiersOf(s Strategy) []Tier {
	switch st := s.(type) {
	case AthBased:
		return st.Tiers
	case *AthBased:
		return st.Tiers
	case FearAndGreed:
		return st.Tiers
	case *FearAndGreed:
		return st.Tiers
	default:
		return nil
	}
}

// SortedTiers returns a copy ordered by lower bound, for display.
func SortedTiers(s Strategy) []Tier {
	tiers := append([]Tier(nil), tiersOf(s)...)
	sort.Slice(tiers, func(i, j int) bool {
		return tiers[i].LowerBound.LessThan(tiers[j].LowerBound)
	})
	return tiers
}

// ParseKind builds a strategy with default tiers from its persisted name.
func ParseKind(raw string) (Strategy, error) {
	switch Kind(raw) {
	case KindClassic, "":
		return Classic{}, nil
	case KindAthBased:
		return AthBased{Tiers: DefaultAthTiers()}, nil
	case KindFearAndGreed:
		return FearAndGreed{Tiers: DefaultFearGreedTiers()}, nil
	default:
		return nil, fmt.Errorf("unknown strategy kind %q", raw)
	}
}
