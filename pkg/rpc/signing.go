package rpc

import (
	"crypto/ed25519"
	"strconv"
	"time"

	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	"socialbox/pkg/trust"
	"socialbox/pkg/types"
)

// RequestDigest is the digest a request signature covers: the method path
// and the deterministic encoding of the body.
func RequestDigest(fullMethod string, body *structpb.Struct) ([]byte, error) {
	data, err := CanonicalBytes(body)
	if err != nil {
		return nil, types.Errorf(types.KindInternal, "failed to encode request body: %w", err)
	}
	msg := make([]byte, 0, len(fullMethod)+1+len(data))
	msg = append(msg, fullMethod...)
	msg = append(msg, '\n')
	msg = append(msg, data...)
	return trust.Digest(msg), nil
}

// SignRequest returns the signature and timestamp metadata for a request.
func SignRequest(key ed25519.PrivateKey, fullMethod string, body *structpb.Struct, claimed int64) (metadata.MD, error) {
	digest, err := RequestDigest(fullMethod, body)
	if err != nil {
		return nil, err
	}
	sig := trust.SignTimed(key, digest, claimed)
	return metadata.Pairs(
		MetadataSignature, trust.EncodeSignature(sig),
		MetadataTimestamp, strconv.FormatInt(claimed, 10),
	), nil
}

// HasSignature reports whether md carries a request signature.
func HasSignature(md metadata.MD) bool {
	return len(md.Get(MetadataSignature)) > 0
}

// VerifyRequest checks the request signature in md against pub. The claimed
// timestamp must fall inside window.
func VerifyRequest(md metadata.MD, pub ed25519.PublicKey, fullMethod string, body *structpb.Struct, window trust.Window, now time.Time) error {
	sigs, stamps := md.Get(MetadataSignature), md.Get(MetadataTimestamp)
	if len(sigs) != 1 || len(stamps) != 1 {
		return types.Errorf(types.KindUnauthorized, "request signature and timestamp are required")
	}
	sig, err := trust.DecodeSignature(sigs[0])
	if err != nil {
		return err
	}
	claimed, err := strconv.ParseInt(stamps[0], 10, 64)
	if err != nil {
		return types.Errorf(types.KindBadRequest, "invalid request timestamp %q", stamps[0])
	}
	digest, err := RequestDigest(fullMethod, body)
	if err != nil {
		return err
	}
	if !trust.VerifyTimed(pub, sig, digest, claimed, window, now) {
		return types.Errorf(types.KindUnauthorized, "request signature verification failed")
	}
	return nil
}
