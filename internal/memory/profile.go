package memory

import (
	"sort"
	"strings"
	"time"
)

// Profile keys tracked for every farmer.
const (
	KeyName           = "name"
	KeyLocation       = "location"
	KeyCrops          = "crops"
	KeyFarmSize       = "farm_size"
	KeyExperience     = "experience"
	KeyInterests      = "interests"
	KeyConcerns       = "concerns"
	KeyFarmingMethods = "farming_methods"
	KeyEquipment      = "equipment"
	KeyBudgetRange    = "budget_range"
)

// setValuedKeys accumulate a sorted, de-duplicated list instead of being replaced.
var setValuedKeys = map[string]bool{
	KeyCrops:          true,
	KeyInterests:      true,
	KeyConcerns:       true,
	KeyFarmingMethods: true,
	KeyEquipment:      true,
}

// NormalizeKey lowercases a fact key and joins words with underscores.
func NormalizeKey(key string) string {
	return strings.Join(strings.Fields(strings.ToLower(key)), "_")
}

// Values splits a set-valued entry into its members.
func (e ProfileEntry) Values() []string {
	return splitSet(e.Value)
}

// Apply merges one already-vetted fact. Single-valued keys are last-write-wins;
// set-valued keys take the union. Re-applying the same fact leaves the profile
// unchanged, so merges are idempotent.
func (p Profile) Apply(f Fact, at time.Time) bool {
	key := NormalizeKey(f.Key)
	value := strings.TrimSpace(f.Value)
	if key == "" || value == "" {
		return false
	}

	prev, exists := p[key]
	next := value
	if setValuedKeys[key] {
		next = joinSet(append(prev.Values(), splitSet(value)...))
	}
	if exists && prev.Value == next {
		if c := clampConfidence(f.Confidence); c > prev.Confidence {
			prev.Confidence = c
			p[key] = prev
			return true
		}
		return false
	}

	p[key] = ProfileEntry{
		Value:        next,
		Confidence:   clampConfidence(f.Confidence),
		UpdatedAt:    at,
		SourceTurnID: f.SourceTurnID,
		Revision:     prev.Revision + 1,
	}
	return true
}

func clampConfidence(c float64) float64 {
	switch {
	case c <= 0:
		return 0.5
	case c > 1:
		return 1
	default:
		return c
	}
}

func splitSet(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func joinSet(items []string) string {
	seen := make(map[string]bool, len(items))
	uniq := make([]string, 0, len(items))
	for _, it := range items {
		if seen[it] {
			continue
		}
		seen[it] = true
		uniq = append(uniq, it)
	}
	sort.Strings(uniq)
	return strings.Join(uniq, ", ")
}
