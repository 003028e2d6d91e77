package servicing

import (
	"fmt"
	"strings"
)

// =============================================================================
// CADENCE - How often a customer is serviced
// =============================================================================

// Cadence is the closed set of recurrence policies. The zero value is not a
// valid cadence; use DefaultCadence for new customers.
type Cadence uint8

const (
	Daily Cadence = iota + 1
	Weekly
	Monthly
	Quarterly
	Yearly
)

// DefaultCadence applies when onboarding does not pick one.
const DefaultCadence = Weekly

type cadenceInfo struct {
	name  string
	label string
	days  int
}

// Fixed day offsets. Monthly, quarterly and yearly are day counts, not
// calendar months, so due dates drift relative to month boundaries.
var cadences = map[Cadence]cadenceInfo{
	Daily:     {name: "daily", label: "Daily", days: 1},
	Weekly:    {name: "weekly", label: "Weekly", days: 7},
	Monthly:   {name: "monthly", label: "Monthly", days: 30},
	Quarterly: {name: "quarterly", label: "Quarterly", days: 90},
	Yearly:    {name: "yearly", label: "Yearly", days: 365},
}

// Cadences lists every supported cadence in ascending interval order.
func Cadences() []Cadence {
	return []Cadence{Daily, Weekly, Monthly, Quarterly, Yearly}
}

// Resolve returns the number of days between services for c.
func Resolve(c Cadence) (int, error) {
	info, ok := cadences[c]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownPolicy, uint8(c))
	}
	return info.days, nil
}

// ParseCadence converts stored or submitted text into a Cadence. Empty input
// yields DefaultCadence.
func ParseCadence(s string) (Cadence, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return DefaultCadence, nil
	}
	for c, info := range cadences {
		if info.name == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
}

func (c Cadence) Valid() bool {
	_, ok := cadences[c]
	return ok
}

func (c Cadence) String() string {
	if info, ok := cadences[c]; ok {
		return info.name
	}
	return fmt.Sprintf("cadence(%d)", uint8(c))
}

// Label is the human-readable name, e.g. "Weekly".
func (c Cadence) Label() string {
	if info, ok := cadences[c]; ok {
		return info.label
	}
	return ""
}

func (c Cadence) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPolicy, uint8(c))
	}
	return []byte(c.String()), nil
}

func (c *Cadence) UnmarshalText(b []byte) error {
	parsed, err := ParseCadence(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
