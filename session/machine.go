package session

import "time"

// EventKind enumerates the inputs of the session state machine.
type EventKind uint8

const (
	EventFirstFactorSucceeded EventKind = iota + 1
	EventSecondFactorSucceeded
	EventChallengeIssued
	EventChallengeCleared
	EventIdentityValidated
	EventCapabilityConsumed
	EventRedirectionSet
	EventLogout
)

func (k EventKind) String() string {
	switch k {
	case EventFirstFactorSucceeded:
		return "first_factor_succeeded"
	case EventSecondFactorSucceeded:
		return "second_factor_succeeded"
	case EventChallengeIssued:
		return "challenge_issued"
	case EventChallengeCleared:
		return "challenge_cleared"
	case EventIdentityValidated:
		return "identity_validated"
	case EventCapabilityConsumed:
		return "capability_consumed"
	case EventRedirectionSet:
		return "redirection_set"
	case EventLogout:
		return "logout"
	default:
		return "unknown"
	}
}

// Event is one input to [Apply]. Only the fields relevant to Kind are read.
type Event struct {
	Kind EventKind
	At   time.Time

	// EventFirstFactorSucceeded
	Username    string
	DisplayName string
	Emails      []string
	Groups      []string

	// EventChallengeIssued
	Challenge *Challenge

	// EventIdentityValidated, EventCapabilityConsumed. Username names the
	// identity the capability is bound to.
	Capability Capability

	// EventRedirectionSet
	Target string
}

// Outcome is the result of applying an event.
type Outcome uint8

const (
	// Applied means the returned session reflects the event.
	Applied Outcome = iota
	// NotAllowed means the event is not valid from the current level or
	// capability; the returned session equals the input.
	NotAllowed
	// Invalid means the event itself is malformed.
	Invalid
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case NotAllowed:
		return "not_allowed"
	case Invalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Apply computes the session that results from ev. It never mutates cur.
//
// Levels only move forward one step at a time: NotAuthenticated to OneFactor
// on a first factor, OneFactor to TwoFactor on a second factor. Logout is
// accepted from every level and returns to NotAuthenticated.
func Apply(cur Session, ev Event) (Session, Outcome) {
	next := *cur.Clone()

	switch ev.Kind {
	case EventFirstFactorSucceeded:
		if ev.Username == "" {
			return cur, Invalid
		}
		if cur.Level != NotAuthenticated {
			return cur, NotAllowed
		}
		next.Level = OneFactor
		next.Username = ev.Username
		next.DisplayName = ev.DisplayName
		next.Emails = cloneStrings(ev.Emails)
		next.Groups = cloneStrings(ev.Groups)
		next.Pending = nil
		if next.CapabilityUser != ev.Username {
			next.Capability = CapabilityNone
			next.CapabilityUser = ""
		}

	case EventSecondFactorSucceeded:
		if cur.Level != OneFactor {
			return cur, NotAllowed
		}
		next.Level = TwoFactor
		next.Pending = nil

	case EventChallengeIssued:
		if ev.Challenge == nil {
			return cur, Invalid
		}
		switch ev.Challenge.Kind {
		case ChallengeWebAuthnAssertion:
			if cur.Level != OneFactor {
				return cur, NotAllowed
			}
		case ChallengeWebAuthnAttestation:
			if cur.Level != TwoFactor || !cur.HasCapability(CapabilityRegisterWebAuthn, cur.Username) {
				return cur, NotAllowed
			}
		default:
			return cur, Invalid
		}
		p := *ev.Challenge
		p.State = append([]byte(nil), ev.Challenge.State...)
		next.Pending = &p

	case EventChallengeCleared:
		next.Pending = nil

	case EventIdentityValidated:
		if ev.Username == "" {
			return cur, Invalid
		}
		switch ev.Capability {
		case CapabilityResetPassword:
		case CapabilityRegisterTOTP, CapabilityRegisterWebAuthn:
			if cur.Level != TwoFactor || cur.Username != ev.Username {
				return cur, NotAllowed
			}
		default:
			return cur, Invalid
		}
		next.Capability = ev.Capability
		next.CapabilityUser = ev.Username

	case EventCapabilityConsumed:
		if !cur.HasCapability(ev.Capability, ev.Username) {
			return cur, NotAllowed
		}
		next.Capability = CapabilityNone
		next.CapabilityUser = ""
		if ev.Capability == CapabilityRegisterWebAuthn && next.Pending != nil && next.Pending.Kind == ChallengeWebAuthnAttestation {
			next.Pending = nil
		}

	case EventRedirectionSet:
		next.RedirectionTarget = ev.Target

	case EventLogout:
		next = Session{
			ID:        cur.ID,
			Level:     NotAuthenticated,
			CreatedAt: cur.CreatedAt,
			ExpiresAt: cur.ExpiresAt,
		}

	default:
		return cur, Invalid
	}

	if !ev.At.IsZero() {
		next.UpdatedAt = ev.At.Unix()
	}
	return next, Applied
}
