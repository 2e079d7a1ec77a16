package strategy

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

type tierJSON struct {
	LowerBound decimal.Decimal `json:"lower_bound"`
	Multiplier decimal.Decimal `json:"multiplier"`
}

type envelope struct {
	Kind  Kind       `json:"kind"`
	Tiers []tierJSON `json:"tiers,omitempty"`
}

// Encode serialises s as {"kind": ..., "tiers": [...]} for storage.
func Encode(s Strategy) ([]byte, error) {
	if s == nil {
		s = Classic{}
	}
	env := envelope{Kind: s.Kind()}
	for _, t := range tiersOf(s) {
		env.Tiers = append(env.Tiers, tierJSON{LowerBound: t.LowerBound, Multiplier: t.Multiplier})
	}
	return json.Marshal(env)
}

// Decode is the inverse of Encode. Empty input decodes to Classic.
func Decode(data []byte) (Strategy, error) {
	if len(data) == 0 {
		return Classic{}, nil
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode strategy: %w", err)
	}
	tiers := make([]Tier, 0, len(env.Tiers))
	for _, t := range env.Tiers {
		tiers = append(tiers, Tier{LowerBound: t.LowerBound, Multiplier: t.Multiplier})
	}
	switch env.Kind {
	case KindClassic, "":
		return Classic{}, nil
	case KindAthBased:
		if len(tiers) == 0 {
			tiers = DefaultAthTiers()
		}
		return AthBased{Tiers: tiers}, nil
	case KindFearAndGreed:
		if len(tiers) == 0 {
			tiers = DefaultFearGreedTiers()
		}
		return FearAndGreed{Tiers: tiers}, nil
	default:
		return nil, fmt.Errorf("decode strategy: unknown kind %q", env.Kind)
	}
}
