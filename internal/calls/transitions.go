package calls

import (
	"fmt"
	"time"
)

type Action string

const (
	ActionStartCall Action = "start_call"
	ActionAccept    Action = "accept"
	ActionReject    Action = "reject"
	ActionEndCall   Action = "end_call"
)

// Actor restricts which participant may request an action.
type Actor int

const (
	ActorCaller Actor = iota + 1
	ActorCallee
	ActorEither
)

// Recipient selects whose participant channel receives the notification.
type Recipient int

const (
	RecipientCallee Recipient = iota + 1
	RecipientCaller
	RecipientOther
)

// Rule is one row of the control transition table.
type Rule struct {
	Expected  []Status
	Next      Status
	Actor     Actor
	Event     string
	Recipient Recipient
}

var rules = map[Action]Rule{
	ActionStartCall: {
		Expected:  []Status{StatusInitiated},
		Next:      StatusRinging,
		Actor:     ActorCaller,
		Event:     "ringing",
		Recipient: RecipientCallee,
	},
	ActionAccept: {
		Expected:  []Status{StatusRinging},
		Next:      StatusConnected,
		Actor:     ActorCallee,
		Event:     "accepted",
		Recipient: RecipientCaller,
	},
	ActionReject: {
		Expected:  []Status{StatusInitiated, StatusRinging},
		Next:      StatusDeclined,
		Actor:     ActorCallee,
		Event:     "rejected",
		Recipient: RecipientCaller,
	},
	ActionEndCall: {
		Expected:  ActiveStatuses,
		Next:      StatusEnded,
		Actor:     ActorEither,
		Event:     "ended",
		Recipient: RecipientOther,
	},
}

// RuleFor returns the transition rule for a.
func RuleFor(a Action) (Rule, error) {
	r, ok := rules[a]
	if !ok {
		return Rule{}, fmt.Errorf("%w: unknown action %q", ErrInvalidArgument, a)
	}
	return r, nil
}

// Permits reports whether requesterID may perform the rule on s.
func (r Rule) Permits(s Session, requesterID string) bool {
	switch r.Actor {
	case ActorCaller:
		return requesterID == s.CallerID
	case ActorCallee:
		return requesterID == s.CalleeID
	case ActorEither:
		return s.HasParticipant(requesterID)
	default:
		return false
	}
}

// Target resolves the participant to notify after requesterID applied the rule.
func (r Rule) Target(s Session, requesterID string) string {
	switch r.Recipient {
	case RecipientCallee:
		return s.CalleeID
	case RecipientCaller:
		return s.CallerID
	default:
		return s.Other(requesterID)
	}
}

// Allows reports whether status is one of the rule's expected statuses.
func (r Rule) Allows(status Status) bool {
	return StatusIn(status, r.Expected)
}

func StatusIn(s Status, set []Status) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

// Advance applies next to s at now: merges patch into metadata, stamps
// connected/ended times and computes duration on terminal statuses.
// Callers must have checked the guard already.
func Advance(s Session, next Status, patch Metadata, now time.Time) Session {
	out := s
	out.Status = next
	out.Metadata = s.Metadata.Merge(patch)
	out.UpdatedAt = now

	if next == StatusConnected && out.ConnectedAt == nil {
		t := now
		out.ConnectedAt = &t
	}
	if next.IsTerminal() && out.EndedAt == nil {
		t := now
		out.EndedAt = &t
		out.DurationSeconds = durationSeconds(out.ConnectedAt, now)
	}
	return out
}

func durationSeconds(connectedAt *time.Time, endedAt time.Time) int {
	if connectedAt == nil {
		return 0
	}
	d := endedAt.Sub(*connectedAt)
	if d < 0 {
		return 0
	}
	return int(d / time.Second)
}

// StampMetadata builds the provenance patch for action by actorID.
func StampMetadata(action Action, actorID string, at time.Time, extra Metadata) Metadata {
	patch := Metadata{}
	for k, v := range extra {
		patch[k] = v
	}
	patch[string(action)+"_by"] = actorID
	patch[string(action)+"_at"] = at.UTC().Format(time.RFC3339Nano)
	return patch
}
