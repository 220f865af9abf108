package stats

import "strings"

// Population identifies one of the two disjoint equipment fleets tracked
// by the system. Every call belongs to exactly one population; a record
// with no equipment identifier falls into SmartSafes.
type Population string

const (
	Recyclers  Population = "recyclers"
	SmartSafes Population = "smart_safes"
)

// Populations returns all tracked populations in processing order.
func Populations() []Population {
	return []Population{Recyclers, SmartSafes}
}

// Classifier maps an equipment identifier to its population by prefix.
type Classifier struct {
	prefixes []string
}

// NewClassifier builds a classifier from recycler equipment prefixes.
// Prefixes are matched case-insensitively.
func NewClassifier(recyclerPrefixes []string) *Classifier {
	upper := make([]string, len(recyclerPrefixes))
	for i, p := range recyclerPrefixes {
		upper[i] = strings.ToUpper(strings.TrimSpace(p))
	}
	return &Classifier{prefixes: upper}
}

// Classify returns the population of the given equipment identifier.
func (c *Classifier) Classify(equipmentID string) Population {
	if equipmentID == "" {
		return SmartSafes
	}
	id := strings.ToUpper(equipmentID)
	for _, p := range c.prefixes {
		if p != "" && strings.HasPrefix(id, p) {
			return Recyclers
		}
	}
	return SmartSafes
}

// Matches reports whether the equipment identifier belongs to pop.
func (c *Classifier) Matches(equipmentID string, pop Population) bool {
	return c.Classify(equipmentID) == pop
}
