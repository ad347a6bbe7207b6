package points

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/punchamoorthee/tillbridge/internal/domain"
)

// Bonus awards Points once when a purchase reaches Threshold.
type Bonus struct {
	Threshold domain.Cents
	Points    int64
}

// Calculator maps purchase amounts to loyalty points.
type Calculator struct {
	perDollar int64
	bonuses   []Bonus
}

// DefaultBonuses are the store's standard large-purchase bonuses.
var DefaultBonuses = []Bonus{
	{Threshold: 10000, Points: 10},
	{Threshold: 25000, Points: 25},
	{Threshold: 50000, Points: 50},
}

func NewCalculator(perDollar int64, bonuses []Bonus) *Calculator {
	sorted := append([]Bonus(nil), bonuses...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Threshold < sorted[j].Threshold })
	return &Calculator{perDollar: perDollar, bonuses: sorted}
}

// Award returns floor(amount × perDollar) plus every bonus whose threshold the
// amount reaches. Zero and negative amounts (refunds) award nothing.
func (c *Calculator) Award(amount domain.Cents) int64 {
	if amount <= 0 || c.perDollar < 0 {
		return 0
	}
	pts := int64(amount) * c.perDollar / 100
	for _, b := range c.bonuses {
		if amount >= b.Threshold {
			pts += b.Points
		}
	}
	return pts
}

func (c *Calculator) Bonuses() []Bonus {
	return append([]Bonus(nil), c.bonuses...)
}

// ParseBonuses reads "100:10,250:25,500:50" as dollar thresholds and points.
func ParseBonuses(s string) ([]Bonus, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var out []Bonus
	for _, part := range strings.Split(s, ",") {
		threshold, pts, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok {
			return nil, fmt.Errorf("bonus %q: want threshold:points", part)
		}
		t, err := domain.ParseCents(strings.TrimSpace(threshold))
		if err != nil {
			return nil, fmt.Errorf("bonus %q: %w", part, err)
		}
		p, err := strconv.ParseInt(strings.TrimSpace(pts), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bonus %q: invalid points: %w", part, err)
		}
		if t <= 0 || p < 0 {
			return nil, fmt.Errorf("bonus %q: threshold must be positive and points non-negative", part)
		}
		out = append(out, Bonus{Threshold: t, Points: p})
	}
	return out, nil
}
