// api/schemas/selectors.go
package schemas

// SelectorRole is the logical role a selector plays on a chat page.
type SelectorRole string

const (
	RoleInput    SelectorRole = "input"
	RoleSubmit   SelectorRole = "submit"
	RoleResponse SelectorRole = "response"
)

// Selector is a locator for one UI element: a preferred CSS selector, an
// XPath alternative, and an ordered list of fallback locators
// (most-to-least preferred). Validation counters feed the stability score.
type Selector struct {
	Role         SelectorRole `json:"role"`
	CSS          string       `json:"css"`
	XPath        string       `json:"xpath,omitempty"`
	Fallbacks    []string     `json:"fallbacks,omitempty"`
	SuccessCount int          `json:"success_count"`
	FailureCount int          `json:"failure_count"`
}

// Stability returns the running success ratio for this selector, clamped
// to [0,1]. A selector with no validations yet reports 0.
func (s *Selector) Stability() float64 {
	total := s.SuccessCount + s.FailureCount
	if total == 0 {
		return 0
	}
	score := float64(s.SuccessCount) / float64(total)
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// SelectorSet is the full set of locators discovered for one domain,
// keyed by logical role.
type SelectorSet map[SelectorRole]*Selector

// Clone returns a deep copy so callers can hold a snapshot without
// racing cache updates.
func (ss SelectorSet) Clone() SelectorSet {
	if ss == nil {
		return nil
	}
	out := make(SelectorSet, len(ss))
	for role, sel := range ss {
		cp := *sel
		cp.Fallbacks = append([]string(nil), sel.Fallbacks...)
		out[role] = &cp
	}
	return out
}
