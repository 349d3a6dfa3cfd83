package auth

import (
	"crypto/rand"
	"encoding/base32"
	"errors"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/hotp"
	"github.com/pquerna/otp/totp"

	"socialbox/pkg/config"
	"socialbox/pkg/types"
)

var otpEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// OTP generates and checks RFC 6238 time-based one-time passwords.
type OTP struct {
	Digits     int
	Step       time.Duration
	Window     int
	SecretSize int
}

// NewOTP reads the OTP settings from cfg.
func NewOTP(cfg config.SecurityConfig) OTP {
	return OTP{
		Digits:     cfg.OTPDigits,
		Step:       time.Duration(cfg.OTPTimeStep) * time.Second,
		Window:     cfg.OTPWindow,
		SecretSize: cfg.OTPSecretLength,
	}
}

// GenerateSecret returns a new base32 secret.
func (o OTP) GenerateSecret() (string, error) {
	size := o.SecretSize
	if size <= 0 {
		size = 20
	}
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", types.Errorf(types.KindInternal, "failed to generate otp secret: %w", err)
	}
	return otpEncoding.EncodeToString(buf), nil
}

// Code returns the code for secret at t.
func (o OTP) Code(secret string, t time.Time) (string, error) {
	period, err := o.period()
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(secret) == "" {
		return "", types.Errorf(types.KindBadRequest, "invalid otp secret")
	}
	code, err := totp.GenerateCodeCustom(secret, t, totp.ValidateOpts{
		Period:    period,
		Digits:    otp.Digits(o.Digits),
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", types.Errorf(types.KindBadRequest, "invalid otp secret")
	}
	return code, nil
}

// Validate reports whether code matches secret within the window of steps
// around now.
func (o OTP) Validate(secret, code string, now time.Time) (bool, error) {
	_, ok, err := o.Match(secret, code, now)
	return ok, err
}

// Match is Validate that also returns the time step the code belongs to,
// so callers can refuse a code that was already used.
func (o OTP) Match(secret, code string, now time.Time) (uint64, bool, error) {
	period, err := o.period()
	if err != nil {
		return 0, false, err
	}
	if strings.TrimSpace(secret) == "" {
		return 0, false, types.Errorf(types.KindBadRequest, "invalid otp secret")
	}
	if len(code) != o.Digits {
		return 0, false, nil
	}
	opts := hotp.ValidateOpts{Digits: otp.Digits(o.Digits), Algorithm: otp.AlgorithmSHA1}
	counter := now.Unix() / int64(period)
	for i := -o.Window; i <= o.Window; i++ {
		c := counter + int64(i)
		if c < 0 {
			continue
		}
		ok, err := hotp.ValidateCustom(code, uint64(c), secret, opts)
		if errors.Is(err, otp.ErrValidateSecretInvalidBase32) {
			return 0, false, types.Errorf(types.KindBadRequest, "invalid otp secret")
		}
		if err != nil {
			return 0, false, nil
		}
		if ok {
			return uint64(c), true, nil
		}
	}
	return 0, false, nil
}

// URI returns the otpauth:// URI authenticator apps enroll from.
func (o OTP) URI(secret, account, issuer string) (string, error) {
	period, err := o.period()
	if err != nil {
		return "", err
	}
	raw, err := otpEncoding.DecodeString(strings.TrimRight(strings.ToUpper(secret), "="))
	if err != nil || len(raw) == 0 {
		return "", types.Errorf(types.KindBadRequest, "invalid otp secret")
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: account,
		Period:      period,
		Secret:      raw,
		Digits:      otp.Digits(o.Digits),
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", types.Errorf(types.KindInternal, "failed to build otp uri: %w", err)
	}
	return key.URL(), nil
}

// Lifetime is how long a code stays acceptable: every step in the window.
func (o OTP) Lifetime() time.Duration {
	return time.Duration(2*o.Window+1) * o.Step
}

func (o OTP) period() (uint, error) {
	seconds := int64(o.Step / time.Second)
	if seconds <= 0 {
		return 0, types.Errorf(types.KindInternal, "otp time step must be at least one second, got %s", o.Step)
	}
	return uint(seconds), nil
}
