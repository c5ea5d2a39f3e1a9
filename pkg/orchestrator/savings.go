package orchestrator

import (
	"math"
	"sort"

	"github.com/openfroyo/idler/pkg/drivers"
)

// HoursPerMonth is the billing month used for monthly estimates.
const HoursPerMonth = 730

// RateTable holds the hourly cost in USD of one running resource per type.
type RateTable map[drivers.ResourceType]float64

// RatesFromConfig converts the configured rate map, keyed by type name.
func RatesFromConfig(rates map[string]float64) RateTable {
	out := make(RateTable, len(rates))
	for name, rate := range rates {
		t, err := drivers.ParseResourceType(name)
		if err != nil {
			continue
		}
		out[t] = rate
	}
	return out
}

// Estimate is the cost avoided by keeping a set of resources idle.
type Estimate struct {
	IdleHours float64                          `json:"idle_hours"`
	Hourly    float64                          `json:"hourly_usd"`
	Monthly   float64                          `json:"monthly_usd"`
	PerType   map[drivers.ResourceType]float64 `json:"per_type_hourly_usd,omitempty"`
}

// Estimate prices counts (resources per type) for idleHours of inactivity.
func (r RateTable) Estimate(counts map[drivers.ResourceType]int, idleHours float64) Estimate {
	est := Estimate{IdleHours: round(idleHours), PerType: make(map[drivers.ResourceType]float64)}
	types := make([]drivers.ResourceType, 0, len(counts))
	for t := range counts {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	for _, t := range types {
		n := counts[t]
		if n <= 0 {
			continue
		}
		hourly := r[t] * float64(n)
		est.PerType[t] = round(hourly)
		est.Hourly += hourly
	}
	est.Monthly = round(est.Hourly * HoursPerMonth)
	est.Hourly = round(est.Hourly)
	return est
}

func round(v float64) float64 {
	return math.Round(v*100) / 100
}
