package session

import (
	"time"

	"socialbox/pkg/peer"
	"socialbox/pkg/types"
)

// State is a session's lifecycle state. EXPIRED and CLOSED are terminal.
type State string

const (
	StateActive  State = "ACTIVE"
	StateExpired State = "EXPIRED"
	StateClosed  State = "CLOSED"
)

// Record is a client's session with this server.
type Record struct {
	UUID string
	// PeerUUID is the local peer the session identified as. It only counts
	// as authenticated once Authenticated is set.
	PeerUUID string
	// Identity is the address given when the session was created.
	Identity      string
	External      bool
	Authenticated bool
	PublicKey     string
	ClientName    string
	ClientVersion string
	State         State
	Flags         []Flag
	Created       time.Time
	LastRequest   time.Time
}

// AuthenticatedPeerUUID returns the bound peer, or "" before authentication.
func (r *Record) AuthenticatedPeerUUID() string {
	if !r.Authenticated {
		return ""
	}
	return r.PeerUUID
}

// Address parses the session identity.
func (r *Record) Address() (peer.Address, error) {
	return peer.Parse(r.Identity)
}

// IsAnonymous reports whether the session identified as anonymous.
func (r *Record) IsAnonymous() bool {
	a, err := r.Address()
	return err == nil && a.IsAnonymous()
}

// Inactive reports whether the session has been idle longer than ttl.
func (r *Record) Inactive(now time.Time, ttl time.Duration) bool {
	return ttl > 0 && now.Sub(r.LastRequest) > ttl
}

// EffectiveState applies lazy inactivity expiry to the stored state.
func (r *Record) EffectiveState(now time.Time, ttl time.Duration) State {
	if r.State == StateActive && r.Inactive(now, ttl) {
		return StateExpired
	}
	return r.State
}

// HasFlag reports whether f is outstanding.
func (r *Record) HasFlag(f Flag) bool {
	return Contains(r.Flags, f)
}

// View builds the getSessionState response.
func (r *Record) View(ttl time.Duration) types.SessionState {
	var expires int64
	if ttl > 0 {
		expires = r.LastRequest.Add(ttl).Unix()
	}
	return types.SessionState{
		Authenticated: r.Authenticated,
		Flags:         Strings(Sorted(r.Flags)),
		Expires:       expires,
	}
}

// CanModify reports whether the session may change p. An enabled peer can
// only be changed by a session authenticated as it; a pending one only by
// the session registering it.
func (r *Record) CanModify(p *types.Peer) error {
	if p.UUID != r.PeerUUID {
		return types.Errorf(types.KindUnauthorized, "session %s is not bound to peer %s", r.UUID, p.UUID)
	}
	if p.Enabled {
		if !r.Authenticated {
			return types.Errorf(types.KindUnauthorized, "%q is already registered", p.Username)
		}
		return nil
	}
	if p.RegistrationSession != r.UUID {
		return types.Errorf(types.KindUnauthorized, "session %s does not hold the registration of %q", r.UUID, p.Username)
	}
	return nil
}
