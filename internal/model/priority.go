package model

import "fmt"

// Priority orders bus dispatch. Lower values dispatch first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityDeferred

	// PriorityTiers is the number of dispatch tiers the bus maintains.
	PriorityTiers = 5
)

var priorityNames = map[Priority]string{
	PriorityCritical: "critical",
	PriorityHigh:     "high",
	PriorityNormal:   "normal",
	PriorityLow:      "low",
	PriorityDeferred: "deferred",
}

var prioritiesByName = map[string]Priority{
	"critical": PriorityCritical,
	"high":     PriorityHigh,
	"normal":   PriorityNormal,
	"low":      PriorityLow,
	"deferred": PriorityDeferred,
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// Valid reports whether p is one of the five dispatch tiers.
func (p Priority) Valid() bool {
	_, ok := priorityNames[p]
	return ok
}

// ParsePriority maps a name to its tier. Unrecognized names fall back to
// PriorityNormal; ok is false so callers can log the fallback.
func ParsePriority(name string) (Priority, bool) {
	if p, ok := prioritiesByName[name]; ok {
		return p, true
	}
	return PriorityNormal, false
}

// NormalizePriority clamps out-of-range values to PriorityNormal.
func NormalizePriority(p Priority) (Priority, bool) {
	if p.Valid() {
		return p, true
	}
	return PriorityNormal, false
}
