package methods

import (
	"context"
	"encoding/hex"

	"socialbox/pkg/peer"
	"socialbox/pkg/rpc"
	"socialbox/pkg/session"
	"socialbox/pkg/trust"
	"socialbox/pkg/types"
)

const (
	MethodResolvePeer          = rpc.MethodResolvePeer
	MethodResolvePeerSignature = rpc.MethodResolvePeerSignature
	MethodVerifyPeerSignature  = "verifyPeerSignature"
)

func (h *handlers) peers() []Method {
	lookup := session.Rule{Authenticated: true, Anonymous: true}
	return []Method{
		{Name: MethodResolvePeer, Rule: lookup, Handler: h.resolvePeer},
		{Name: MethodResolvePeerSignature, Rule: lookup, Handler: h.resolvePeerSignature},
		{Name: MethodVerifyPeerSignature, Rule: session.Rule{Authenticated: true, Anonymous: true, Scope: session.ScopeLocal}, Handler: h.verifyPeerSignature},
	}
}

// lookupTarget parses the peer parameter. Server sessions may only ask about
// this server's own peers; a federation never relays lookups.
func (h *handlers) lookupTarget(ctx context.Context, p rpc.Params) (peer.Address, error) {
	raw, err := p.String("peer")
	if err != nil {
		return peer.Address{}, err
	}
	addr, err := peer.Parse(raw)
	if err != nil {
		return peer.Address{}, err
	}
	rec, err := currentSession(ctx)
	if err != nil {
		return peer.Address{}, err
	}
	if rec.External && !addr.IsLocal(h.Config.Instance.Domain) {
		return peer.Address{}, types.Errorf(types.KindBadRequest, "%s is not a peer of %s", addr, h.Config.Instance.Domain)
	}
	return addr, nil
}

func (h *handlers) resolvePeer(ctx context.Context, p rpc.Params) (any, error) {
	addr, err := h.lookupTarget(ctx, p)
	if err != nil {
		return nil, err
	}
	return h.Trust.ResolvePeer(ctx, addr)
}

func (h *handlers) resolvePeerSignature(ctx context.Context, p rpc.Params) (any, error) {
	addr, err := h.lookupTarget(ctx, p)
	if err != nil {
		return nil, err
	}
	id, err := p.String("uuid")
	if err != nil {
		return nil, err
	}
	key, err := h.Trust.ResolveSigningKey(ctx, addr, id)
	if err != nil {
		return nil, err
	}
	return key.View(h.Clock.Now()), nil
}

// verifyPeerSignature checks a signature a peer made over a SHA-512 digest.
// With signature_time set the signature is checked as a timed one.
func (h *handlers) verifyPeerSignature(ctx context.Context, p rpc.Params) (any, error) {
	rawPeer, err := p.String("signing_peer")
	if err != nil {
		return nil, err
	}
	addr, err := peer.Parse(rawPeer)
	if err != nil {
		return nil, err
	}
	keyUUID, err := p.String("signature_uuid")
	if err != nil {
		return nil, err
	}
	encoded, err := p.String("signature")
	if err != nil {
		return nil, err
	}
	sum, err := p.String("sha512")
	if err != nil {
		return nil, err
	}

	sig, err := trust.DecodeSignature(encoded)
	if err != nil {
		return nil, err
	}
	digest, err := hex.DecodeString(sum)
	if err != nil || len(digest) != len(trust.Digest(nil)) {
		return nil, types.Errorf(types.KindBadRequest, "sha512 must be a hex encoded SHA-512 digest")
	}

	var claimed *int64
	if p.Has("signature_time") {
		t, err := p.Int64("signature_time")
		if err != nil {
			return nil, err
		}
		claimed = &t
	}

	return h.Trust.VerifyPeerSignature(ctx, addr, keyUUID, sig, digest, claimed), nil
}
