package credential

import "time"

// State is a credential's lifecycle state relative to a point in time.
type State string

const (
	// StateAbsent means no credential exists.
	StateAbsent State = "absent"
	// StateValid means now < expires_at - margin.
	StateValid State = "valid"
	// StateRefreshDue means expires_at - margin <= now < expires_at.
	StateRefreshDue State = "refresh_due"
	// StateExpired means now >= expires_at.
	StateExpired State = "expired"
)

// NeedsRefresh reports whether the state calls for a refresh before use.
func (s State) NeedsRefresh() bool {
	return s == StateRefreshDue || s == StateExpired
}

// Classify returns the lifecycle state of c at now. A nil credential is
// Absent. A negative margin is treated as zero.
func Classify(c *Credential, now time.Time, margin time.Duration) State {
	if c == nil {
		return StateAbsent
	}
	if margin < 0 {
		margin = 0
	}
	switch {
	case !now.Before(c.ExpiresAt):
		return StateExpired
	case !now.Before(c.ExpiresAt.Add(-margin)):
		return StateRefreshDue
	default:
		return StateValid
	}
}
