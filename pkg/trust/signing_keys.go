package trust

import (
	"time"

	"github.com/google/uuid"

	"socialbox/pkg/types"
)

const (
	MaxKeyNameLength = 64
	// MinKeyLifetime is how far in the future a non-zero expiry must be.
	MinKeyLifetime = time.Hour
)

// NewSigningKey validates a key a peer wants to register and returns it
// ready to store. expires is unix seconds, 0 for no expiry.
func NewSigningKey(peerUUID, publicKey, name string, expires int64, now time.Time) (*types.SigningKey, error) {
	if _, err := DecodePublicKey(publicKey); err != nil {
		return nil, err
	}
	if len(name) > MaxKeyNameLength {
		return nil, types.Errorf(types.KindBadRequest, "key name cannot exceed %d characters", MaxKeyNameLength)
	}
	if expires < 0 {
		return nil, types.Errorf(types.KindBadRequest, "key expiry cannot be negative")
	}
	if expires != 0 && expires < now.Add(MinKeyLifetime).Unix() {
		return nil, types.Errorf(types.KindBadRequest, "key expiry must be at least %s in the future", MinKeyLifetime)
	}

	return &types.SigningKey{
		UUID:      uuid.NewString(),
		PeerUUID:  peerUUID,
		Name:      name,
		PublicKey: publicKey,
		Expires:   expires,
		Created:   now.Unix(),
	}, nil
}

// CheckKeyLimit rejects a new key once a peer holds max keys. A max of 0
// disables the limit.
func CheckKeyLimit(existing, max int) error {
	if max > 0 && existing >= max {
		return types.Errorf(types.KindBadRequest, "a peer may register at most %d signing keys", max)
	}
	return nil
}
