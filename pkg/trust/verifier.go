package trust

import (
	"crypto/ed25519"
	"crypto/sha512"
	"strconv"
	"time"

	"socialbox/pkg/types"
)

// Digest is the message digest every signature is made over.
func Digest(data []byte) []byte {
	sum := sha512.Sum512(data)
	return sum[:]
}

// Window bounds the drift allowed between a timed signature's claimed time
// and now.
type Window struct {
	Frames       int
	FrameSeconds int64
}

// Tolerance is the maximum drift in seconds.
func (w Window) Tolerance() int64 {
	return int64(w.Frames) * w.FrameSeconds
}

// Contains reports whether claimed is within the window around now.
func (w Window) Contains(claimed int64, now time.Time) bool {
	drift := now.Unix() - claimed
	if drift < 0 {
		drift = -drift
	}
	return drift <= w.Tolerance()
}

// TimedMessage binds claimed into the signed bytes: digest || ":" || claimed.
func TimedMessage(digest []byte, claimed int64) []byte {
	msg := make([]byte, 0, len(digest)+21)
	msg = append(msg, digest...)
	msg = append(msg, ':')
	return strconv.AppendInt(msg, claimed, 10)
}

func Sign(priv ed25519.PrivateKey, digest []byte) []byte {
	return ed25519.Sign(priv, digest)
}

func SignTimed(priv ed25519.PrivateKey, digest []byte, claimed int64) []byte {
	return ed25519.Sign(priv, TimedMessage(digest, claimed))
}

// Verify checks sig over digest. Malformed keys or signatures verify false.
func Verify(pub ed25519.PublicKey, sig, digest []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, digest, sig)
}

// VerifyTimed checks a timed signature and that claimed is inside window.
func VerifyTimed(pub ed25519.PublicKey, sig, digest []byte, claimed int64, window Window, now time.Time) bool {
	if !window.Contains(claimed, now) {
		return false
	}
	return Verify(pub, sig, TimedMessage(digest, claimed))
}

func EncodeSignature(sig []byte) string {
	return encoding.EncodeToString(sig)
}

// DecodeSignature parses a base64url signature.
func DecodeSignature(s string) ([]byte, error) {
	sig, err := encoding.DecodeString(s)
	if err != nil {
		return nil, types.Errorf(types.KindCryptographic, "signature is not valid base64url: %v", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return nil, types.Errorf(types.KindCryptographic, "signature must be %d bytes", ed25519.SignatureSize)
	}
	return sig, nil
}
