package pricing

import (
	"errors"
	"math"
	"strings"

	"github.com/smallbiznis/taleforge/internal/config"
)

var (
	ErrUnknownKind     = errors.New("unknown_operation_kind")
	ErrVariableKind    = errors.New("variable_cost_kind")
	ErrInvalidDuration = errors.New("invalid_duration")
)

// Inputs carries the size parameters of variable-cost operations.
type Inputs struct {
	Text            string  `json:"text,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
}

// Quote is the computed cost of one operation. It is never persisted.
type Quote struct {
	Kind   Kind   `json:"kind"`
	Cost   int64  `json:"cost"`
	Inputs Inputs `json:"inputs"`
}

// Table prices operations from a single configuration snapshot.
type Table struct {
	cfg config.PricingConfig
}

func NewTable(cfg config.PricingConfig) *Table {
	return &Table{cfg: cfg}
}

func (t *Table) Config() config.PricingConfig {
	return t.cfg
}

// CostOf returns the flat cost of a fixed kind. Kinds missing from the
// configuration cost nothing.
func (t *Table) CostOf(kind Kind) (int64, error) {
	if !kind.Valid() {
		return 0, ErrUnknownKind
	}
	if !kind.Fixed() {
		return 0, ErrVariableKind
	}
	return t.cfg.FixedCosts[string(kind)], nil
}

// AudioCost charges one credit per started block of words. Empty text is free;
// any non-empty text costs at least one credit.
func (t *Table) AudioCost(text string) int64 {
	words := int64(len(strings.Fields(text)))
	if words == 0 {
		return 0
	}
	per := t.cfg.WordsPerCredit
	if per <= 0 {
		per = 100
	}
	cost := (words + per - 1) / per
	if cost < 1 {
		cost = 1
	}
	return cost
}

// VideoCost walks the tier list in order; boundaries are inclusive.
func (t *Table) VideoCost(seconds float64) int64 {
	for _, tier := range t.cfg.VideoTiers {
		if seconds <= tier.MaxSeconds {
			return tier.Cost
		}
	}
	return t.cfg.VideoOverflow
}

func (t *Table) Quote(kind Kind, inputs Inputs) (Quote, error) {
	q := Quote{Kind: kind, Inputs: inputs}
	switch {
	case !kind.Valid():
		return Quote{}, ErrUnknownKind
	case kind == KindAudio:
		q.Cost = t.AudioCost(inputs.Text)
	case kind == KindVideo:
		if inputs.DurationSeconds < 0 || math.IsNaN(inputs.DurationSeconds) || math.IsInf(inputs.DurationSeconds, 0) {
			return Quote{}, ErrInvalidDuration
		}
		q.Cost = t.VideoCost(inputs.DurationSeconds)
	default:
		cost, err := t.CostOf(kind)
		if err != nil {
			return Quote{}, err
		}
		q.Cost = cost
	}
	return q, nil
}
