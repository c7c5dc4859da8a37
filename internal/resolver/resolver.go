// Package resolver decides, field by field, which side's value wins
// when the upstream roster and the downstream profile store have both
// plausibly been edited. It is a pure decision function: no state is
// mutated here, and audit rows are returned to the caller for
// persistence rather than written directly.
package resolver

import (
	"time"
)

// DefaultGrace is the default tolerance window within which two
// timestamps are treated as simultaneous rather than ordered. It
// encodes a policy choice about acceptable clock skew between the two
// systems, so it is a parameter everywhere, never hard-coded at use.
const DefaultGrace = 5000 * time.Millisecond

// Winner identifies which side's value was kept.
type Winner string

const (
	WinnerUpstream   Winner = "upstream"
	WinnerDownstream Winner = "downstream"
	WinnerBoth       Winner = "both" // values already equal
)

// Reason is the resolution reason code recorded for audit.
type Reason string

const (
	// ReasonBothNullDefault: neither side has history; the upstream
	// (forward/authoritative) side wins by convention.
	ReasonBothNullDefault Reason = "both_null_default"
	// ReasonOnlyUpstreamHistory: only the upstream side has a
	// recorded modification.
	ReasonOnlyUpstreamHistory Reason = "only_a_has_history"
	// ReasonOnlyDownstreamHistory: only the downstream side has a
	// recorded modification.
	ReasonOnlyDownstreamHistory Reason = "only_b_has_history"
	// ReasonGraceDefault: both edited within the grace window; ties
	// and clock-skew races favor the forward direction.
	ReasonGraceDefault Reason = "grace_period_default"
	// ReasonValuesMatch: ordered timestamps but equal values, so no
	// genuine conflict exists.
	ReasonValuesMatch Reason = "values_match"
	// ReasonUpstreamNewer / ReasonDownstreamNewer: genuine conflict
	// resolved last-write-wins. These are the only outcomes that
	// append a conflict audit record.
	ReasonUpstreamNewer   Reason = "a_newer"
	ReasonDownstreamNewer Reason = "b_newer"
)

// FieldTimes holds the per-field modification timestamps of both
// systems. A nil timestamp means no recorded history before tracking
// began and is treated as infinitely old, never as "now".
type FieldTimes struct {
	Upstream   *time.Time
	Downstream *time.Time
}

// Resolution is the decision for one field.
type Resolution struct {
	Value  string
	Winner Winner
	Reason Reason
}

// Conflict is the audit payload for one genuinely conflicting field:
// both sides edited, outside the grace period, values differ.
type Conflict struct {
	MemberID        string
	Field           string
	UpstreamValue   string
	DownstreamValue string
	UpstreamAt      *time.Time
	DownstreamAt    *time.Time
	Winner          Winner
	Reason          Reason
}

// Result carries all per-field decisions plus the genuine conflicts.
type Result struct {
	Resolutions map[string]Resolution
	Conflicts   []Conflict
}

// Resolve decides each tracked field independently; there is no
// cross-field coupling. grace <= 0 falls back to DefaultGrace.
func Resolve(memberID string, fields []string, upstream, downstream map[string]string, times map[string]FieldTimes, grace time.Duration) Result {
	if grace <= 0 {
		grace = DefaultGrace
	}

	result := Result{Resolutions: make(map[string]Resolution, len(fields))}
	for _, field := range fields {
		res, conflict := resolveField(memberID, field,
			upstream[field], downstream[field], times[field], grace)
		result.Resolutions[field] = res
		if conflict != nil {
			result.Conflicts = append(result.Conflicts, *conflict)
		}
	}
	return result
}

func resolveField(memberID, field, upVal, downVal string, ft FieldTimes, grace time.Duration) (Resolution, *Conflict) {
	switch {
	case ft.Upstream == nil && ft.Downstream == nil:
		return Resolution{Value: upVal, Winner: WinnerUpstream, Reason: ReasonBothNullDefault}, nil

	case ft.Downstream == nil:
		return Resolution{Value: upVal, Winner: WinnerUpstream, Reason: ReasonOnlyUpstreamHistory}, nil

	case ft.Upstream == nil:
		return Resolution{Value: downVal, Winner: WinnerDownstream, Reason: ReasonOnlyDownstreamHistory}, nil
	}

	delta := ft.Downstream.Sub(*ft.Upstream)
	if delta < 0 {
		delta = -delta
	}
	if delta <= grace {
		return Resolution{Value: upVal, Winner: WinnerUpstream, Reason: ReasonGraceDefault}, nil
	}

	if upVal == downVal {
		return Resolution{Value: upVal, Winner: WinnerBoth, Reason: ReasonValuesMatch}, nil
	}

	// Genuine conflict: last write wins, audit record emitted.
	res := Resolution{Value: upVal, Winner: WinnerUpstream, Reason: ReasonUpstreamNewer}
	if ft.Downstream.After(*ft.Upstream) {
		res = Resolution{Value: downVal, Winner: WinnerDownstream, Reason: ReasonDownstreamNewer}
	}
	conflict := &Conflict{
		MemberID:        memberID,
		Field:           field,
		UpstreamValue:   upVal,
		DownstreamValue: downVal,
		UpstreamAt:      ft.Upstream,
		DownstreamAt:    ft.Downstream,
		Winner:          res.Winner,
		Reason:          res.Reason,
	}
	return res, conflict
}
