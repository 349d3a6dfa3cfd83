package methods

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"socialbox/pkg/auth"
	"socialbox/pkg/rpc"
	"socialbox/pkg/session"
	"socialbox/pkg/trust"
	"socialbox/pkg/types"
)

const (
	MethodVerificationPasswordAuthentication = "verificationPasswordAuthentication"
	MethodVerificationOTPAuthentication      = "verificationOtpAuthentication"
	MethodAuthenticate                       = rpc.MethodAuthenticate
)

func (h *handlers) verification() []Method {
	return []Method{
		{
			Name:    MethodVerificationPasswordAuthentication,
			Rule:    session.Rule{Flags: []session.Flag{session.VerPassword}, Scope: session.ScopeLocal},
			Handler: h.verifyPassword,
		},
		{
			Name:    MethodVerificationOTPAuthentication,
			Rule:    session.Rule{Flags: []session.Flag{session.VerOTP}, Scope: session.ScopeLocal},
			Handler: h.verifyOTP,
		},
		{
			Name:    MethodAuthenticate,
			Rule:    session.Rule{Flags: []session.Flag{session.VerSignature}, Scope: session.ScopeExternal},
			Handler: h.authenticate,
		},
	}
}

func (h *handlers) sessionPeer(ctx context.Context) (*session.Record, *types.Peer, error) {
	rec, err := currentSession(ctx)
	if err != nil {
		return nil, nil, err
	}
	p, err := h.Peers.GetPeer(ctx, rec.PeerUUID)
	if err != nil {
		return nil, nil, err
	}
	return rec, p, nil
}

func (h *handlers) verifyPassword(ctx context.Context, p rpc.Params) (any, error) {
	password, err := p.String("password")
	if err != nil {
		return nil, err
	}
	rec, peer, err := h.sessionPeer(ctx)
	if err != nil {
		return nil, err
	}
	ok, err := auth.VerifyPassword(peer.PasswordHash, password)
	if err != nil {
		return nil, err
	}
	if !ok {
		h.Logger.Info("Password verification failed", zap.String("session", rec.UUID))
		return nil, types.Errorf(types.KindUnauthorized, "incorrect password")
	}
	if err := h.completeLeaf(ctx, rec, session.VerPassword); err != nil {
		return nil, err
	}
	return true, nil
}

func (h *handlers) verifyOTP(ctx context.Context, p rpc.Params) (any, error) {
	code, err := p.String("code")
	if err != nil {
		return nil, err
	}
	rec, peer, err := h.sessionPeer(ctx)
	if err != nil {
		return nil, err
	}
	step, ok, err := h.otp.Match(peer.OTPSecret, code, h.Clock.Now())
	if err != nil {
		return nil, err
	}
	if !ok {
		h.Logger.Info("One-time password verification failed", zap.String("session", rec.UUID))
		return nil, types.Errorf(types.KindUnauthorized, "incorrect one-time password")
	}
	if err := h.spendOTP(ctx, peer.UUID, step); err != nil {
		h.Logger.Info("One-time password replay refused", zap.String("session", rec.UUID), zap.Error(err))
		return nil, err
	}
	if err := h.completeLeaf(ctx, rec, session.VerOTP); err != nil {
		return nil, err
	}
	return true, nil
}

// authenticate completes a server session: the remote host signs the
// session uuid with the key published in its discovery record.
func (h *handlers) authenticate(ctx context.Context, p rpc.Params) (any, error) {
	rec, err := currentSession(ctx)
	if err != nil {
		return nil, err
	}
	encoded, err := p.String("signature")
	if err != nil {
		return nil, err
	}
	claimed, err := p.Int64("timestamp")
	if err != nil {
		return nil, err
	}
	sig, err := trust.DecodeSignature(encoded)
	if err != nil {
		return nil, err
	}
	pub, err := trust.DecodePublicKey(rec.PublicKey)
	if err != nil {
		return nil, types.Errorf(types.KindInternal, "session %s has an unusable key: %w", rec.UUID, err)
	}

	if !trust.VerifyTimed(pub, sig, trust.Digest([]byte(rec.UUID)), claimed, h.Trust.Window(), h.Clock.Now()) {
		h.Logger.Warn("Host signature rejected",
			zap.String("session", rec.UUID),
			zap.String("identity", rec.Identity))
		return nil, types.Errorf(types.KindUnauthorized, "host signature does not verify")
	}
	if err := h.completeLeaf(ctx, rec, session.VerSignature); err != nil {
		return nil, err
	}
	h.Logger.Info("Server session authenticated",
		zap.String("session", rec.UUID),
		zap.String("identity", rec.Identity))
	return true, nil
}

const otpSpentPrefix = "otp_spent:"

// spendOTP marks the time step a peer's code matched as used. Each step
// authenticates once.
func (h *handlers) spendOTP(ctx context.Context, peerUUID string, step uint64) error {
	key := fmt.Sprintf("%s%s:%d", otpSpentPrefix, peerUUID, step)
	fresh, err := h.KV.SetNX(ctx, key, []byte("1"), h.otp.Lifetime())
	if err != nil {
		return types.Errorf(types.KindInternal, "failed to record one-time password use: %w", err)
	}
	if !fresh {
		return types.Errorf(types.KindUnauthorized, "one-time password was already used")
	}
	return nil
}
