package types

import (
	"time"
)

// Peer is a locally registered identity.
type Peer struct {
	UUID         string `json:"uuid"`
	Username     string `json:"username"`
	DisplayName  string `json:"display_name,omitempty"`
	PasswordHash string `json:"password_hash,omitempty"`
	OTPSecret    string `json:"otp_secret,omitempty"`
	// InformationFields holds optional profile data keyed by field name
	// (first_name, email_address, url, ...).
	InformationFields map[string]string `json:"information_fields,omitempty"`
	Enabled           bool              `json:"enabled"`
	// RegistrationSession is the session that registered, or is still
	// registering, this peer.
	RegistrationSession string `json:"registration_session,omitempty"`
	Created             int64  `json:"created"`
	Updated             int64  `json:"updated"`
}

// Profile returns the public summary of the peer at domain.
func (p *Peer) Profile(domain string) ProfileSummary {
	fields := make(map[string]string, len(p.InformationFields))
	for k, v := range p.InformationFields {
		fields[k] = v
	}
	return ProfileSummary{
		Address:     p.Username + "@" + domain,
		DisplayName: p.DisplayName,
		Fields:      fields,
		Updated:     p.Updated,
	}
}

// HasPassword reports whether the peer enrolled a password.
func (p *Peer) HasPassword() bool {
	return p != nil && p.PasswordHash != ""
}

// HasOTP reports whether the peer enrolled a one-time-password secret.
func (p *Peer) HasOTP() bool {
	return p != nil && p.OTPSecret != ""
}

// KeyState is derived from a key's expiry, never stored.
type KeyState string

const (
	KeyActive   KeyState = "ACTIVE"
	KeyExpired  KeyState = "EXPIRED"
	KeyNotFound KeyState = "NOT_FOUND"
)

// SigningKey is an Ed25519 public key registered by a peer. Expires and
// Created are unix seconds; Expires == 0 means the key never expires.
type SigningKey struct {
	UUID      string `json:"uuid"`
	PeerUUID  string `json:"peer_uuid,omitempty"`
	Name      string `json:"name,omitempty"`
	PublicKey string `json:"public_key"`
	Expires   int64  `json:"expires"`
	Created   int64  `json:"created"`
}

// IsExpired returns true if the key carries an expiry that has passed.
func (k *SigningKey) IsExpired(now time.Time) bool {
	return k.Expires != 0 && now.Unix() > k.Expires
}

// State returns the key's state at now. A nil key is NOT_FOUND.
func (k *SigningKey) State(now time.Time) KeyState {
	if k == nil {
		return KeyNotFound
	}
	if k.IsExpired(now) {
		return KeyExpired
	}
	return KeyActive
}

// View returns the form handed to RPC callers.
func (k *SigningKey) View(now time.Time) SigningKeyView {
	return SigningKeyView{
		UUID:      k.UUID,
		Name:      k.Name,
		PublicKey: k.PublicKey,
		Expires:   k.Expires,
		Created:   k.Created,
		State:     k.State(now),
	}
}

// SigningKeyView is the public projection of a SigningKey.
type SigningKeyView struct {
	UUID      string   `json:"uuid"`
	Name      string   `json:"name,omitempty"`
	PublicKey string   `json:"public_key"`
	Expires   int64    `json:"expires"`
	Created   int64    `json:"created"`
	State     KeyState `json:"state"`
}

// ProfileSummary is what resolvePeer returns for a peer.
type ProfileSummary struct {
	Address     string            `json:"address"`
	DisplayName string            `json:"display_name,omitempty"`
	Fields      map[string]string `json:"fields,omitempty"`
	Updated     int64             `json:"updated"`
}

// SessionState is the view returned by getSessionState.
type SessionState struct {
	Authenticated bool     `json:"authenticated"`
	Flags         []string `json:"flags"`
	Expires       int64    `json:"expires"`
}

// VerificationStatus is the outcome of a peer signature check.
type VerificationStatus string

const (
	VerificationVerified        VerificationStatus = "VERIFIED"
	VerificationInvalid         VerificationStatus = "INVALID"
	VerificationError           VerificationStatus = "ERROR"
	VerificationNotFound        VerificationStatus = "NOT_FOUND"
	VerificationExpired         VerificationStatus = "EXPIRED"
	VerificationResolutionError VerificationStatus = "RESOLUTION_ERROR"
)
