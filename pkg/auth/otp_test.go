package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"socialbox/pkg/config"
)

// base32 of "12345678901234567890", the RFC 6238 SHA-1 test key.
const rfcSecret = "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ"

func TestOTP_Code(t *testing.T) {
	otp := OTP{Digits: 8, Step: 30 * time.Second}

	vectors := []struct {
		unix int64
		code string
	}{
		{59, "94287082"},
		{1111111109, "07081804"},
		{1111111111, "14050471"},
		{1234567890, "89005924"},
		{2000000000, "69279037"},
		{20000000000, "65353130"},
	}
	for _, v := range vectors {
		code, err := otp.Code(rfcSecret, time.Unix(v.unix, 0))
		require.NoError(t, err)
		assert.Equal(t, v.code, code, "t=%d", v.unix)
	}
}

func TestOTP_Validate(t *testing.T) {
	otp := NewOTP(config.Default().Security)
	secret, err := otp.GenerateSecret()
	require.NoError(t, err)

	now := time.Unix(1_700_000_000, 0)
	current, err := otp.Code(secret, now)
	require.NoError(t, err)
	assert.Len(t, current, 6)

	ok, err := otp.Validate(secret, current, now)
	require.NoError(t, err)
	assert.True(t, ok)

	previous, _ := otp.Code(secret, now.Add(-30*time.Second))
	ok, _ = otp.Validate(secret, previous, now)
	assert.True(t, ok, "one step of drift is tolerated")

	stale, _ := otp.Code(secret, now.Add(-90*time.Second))
	ok, _ = otp.Validate(secret, stale, now)
	assert.False(t, ok)

	ok, _ = otp.Validate(secret, "12345", now)
	assert.False(t, ok)

	_, err = otp.Validate("not base32!", current, now)
	assert.Error(t, err)
	_, err = otp.Validate("", current, now)
	assert.Error(t, err)
}

func TestOTP_MatchReturnsStep(t *testing.T) {
	otp := OTP{Digits: 6, Step: 30 * time.Second, Window: 1}
	now := time.Unix(1_700_000_000, 0)

	previous, err := otp.Code(rfcSecret, now.Add(-30*time.Second))
	require.NoError(t, err)
	step, ok, err := otp.Match(rfcSecret, previous, now)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(1_700_000_000/30-1), step)
}

func TestOTP_RejectsZeroStep(t *testing.T) {
	otp := OTP{Digits: 6}
	_, err := otp.Code(rfcSecret, time.Unix(59, 0))
	assert.Error(t, err)
	_, err = otp.Validate(rfcSecret, "123456", time.Unix(59, 0))
	assert.Error(t, err)
}

func TestOTP_URI(t *testing.T) {
	otp := OTP{Digits: 6, Step: 30 * time.Second}
	uri, err := otp.URI(rfcSecret, "alice@example.com", "example.com")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(uri, "otpauth://totp/example.com:alice@example.com?"))
	assert.Contains(t, uri, "secret="+rfcSecret)
	assert.Contains(t, uri, "digits=6")
	assert.Contains(t, uri, "period=30")
}
