package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"

	"socialbox/pkg/types"
)

// Argon2id parameters for new hashes. Stored hashes carry their own.
const (
	argonTime    uint32 = 2
	argonMemory  uint32 = 64 * 1024
	argonThreads uint8  = 2
	argonKeyLen  uint32 = 32
	argonSaltLen        = 16

	MinPasswordLength = 8
	MaxPasswordLength = 256
)

var b64 = base64.RawStdEncoding

// HashPassword returns an encoded argon2id hash of password.
func HashPassword(password string) (string, error) {
	if err := ValidatePassword(password); err != nil {
		return "", err
	}
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", types.Errorf(types.KindInternal, "failed to generate salt: %w", err)
	}
	key := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads,
		b64.EncodeToString(salt), b64.EncodeToString(key)), nil
}

// ValidatePassword checks the length limits.
func ValidatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return types.Errorf(types.KindBadRequest, "password must be at least %d characters", MinPasswordLength)
	}
	if len(password) > MaxPasswordLength {
		return types.Errorf(types.KindBadRequest, "password must be at most %d characters", MaxPasswordLength)
	}
	return nil
}

// VerifyPassword reports whether password matches encoded.
func VerifyPassword(encoded, password string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false, types.Errorf(types.KindInternal, "unsupported password hash format")
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return false, types.Errorf(types.KindInternal, "unsupported argon2 version")
	}

	var memory, iterations uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &threads); err != nil {
		return false, types.Errorf(types.KindInternal, "malformed argon2 parameters: %w", err)
	}

	salt, err := b64.DecodeString(parts[4])
	if err != nil {
		return false, types.Errorf(types.KindInternal, "malformed password salt: %w", err)
	}
	want, err := b64.DecodeString(parts[5])
	if err != nil {
		return false, types.Errorf(types.KindInternal, "malformed password hash: %w", err)
	}

	got := argon2.IDKey([]byte(password), salt, iterations, memory, threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}
