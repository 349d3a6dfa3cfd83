package methods

import (
	"context"

	"socialbox/pkg/auth"
	"socialbox/pkg/channel"
	"socialbox/pkg/peer"
	"socialbox/pkg/rpc"
	"socialbox/pkg/session"
	"socialbox/pkg/types"
)

const (
	MethodEncryptionCreateChannel = rpc.MethodCreateChannel
	MethodEncryptionAcceptChannel = rpc.MethodAcceptChannel
	MethodEncryptionRejectChannel = "encryptionRejectChannel"
	MethodEncryptionCloseChannel  = "encryptionCloseChannel"
	MethodEncryptionGetChannel    = "encryptionGetChannel"
)

func (h *handlers) encryption() []Method {
	rule := session.Rule{Authenticated: true}
	return []Method{
		{Name: MethodEncryptionCreateChannel, Rule: rule, Handler: h.createChannel},
		{Name: MethodEncryptionAcceptChannel, Rule: rule, Handler: h.acceptChannel},
		{Name: MethodEncryptionRejectChannel, Rule: rule, Handler: h.channelAction((*channel.Manager).Reject)},
		{Name: MethodEncryptionCloseChannel, Rule: rule, Handler: h.channelAction((*channel.Manager).Close)},
		{Name: MethodEncryptionGetChannel, Rule: rule, Handler: h.channelAction((*channel.Manager).Get)},
	}
}

// actingPeer is the peer a channel call is made by: the session's own
// identity, or for a server session the peer named by identify-as.
func actingPeer(ctx context.Context) (peer.Address, error) {
	rec, err := currentSession(ctx)
	if err != nil {
		return peer.Address{}, err
	}
	if rec.External {
		addr, ok := auth.IdentifyAsFromContext(ctx)
		if !ok {
			return peer.Address{}, types.Errorf(types.KindBadRequest, "server sessions must identify as the peer they act for")
		}
		return addr, nil
	}
	addr, err := rec.Address()
	if err != nil {
		return peer.Address{}, types.Errorf(types.KindInternal, "session %s has an invalid identity: %w", rec.UUID, err)
	}
	if !addr.RequiresAuthentication() {
		return peer.Address{}, types.Errorf(types.KindMethodNotAllowed, "%s cannot open encryption channels", addr)
	}
	return addr, nil
}

func (h *handlers) createChannel(ctx context.Context, p rpc.Params) (any, error) {
	caller, err := actingPeer(ctx)
	if err != nil {
		return nil, err
	}
	rawReceiver, err := p.String("receiving_peer")
	if err != nil {
		return nil, err
	}
	receiver, err := peer.Parse(rawReceiver)
	if err != nil {
		return nil, err
	}
	publicKey, err := p.String("public_key")
	if err != nil {
		return nil, err
	}
	id, err := p.OptionalString("uuid", "")
	if err != nil {
		return nil, err
	}
	callingSig, err := signatureParams(p, "calling")
	if err != nil {
		return nil, err
	}
	receivingSig, err := signatureParams(p, "receiving")
	if err != nil {
		return nil, err
	}

	return h.Channels.Create(ctx, channel.CreateRequest{
		UUID:               id,
		CallingPeer:        caller,
		CallingPublicKey:   publicKey,
		CallingSignature:   callingSig,
		ReceivingPeer:      receiver,
		ReceivingSignature: receivingSig,
	})
}

// signatureParams reads the <side>_signature_uuid and
// <side>_signature_public_key pair.
func signatureParams(p rpc.Params, side string) (channel.SignatureRef, error) {
	id, err := p.String(side + "_signature_uuid")
	if err != nil {
		return channel.SignatureRef{}, err
	}
	key, err := p.String(side + "_signature_public_key")
	if err != nil {
		return channel.SignatureRef{}, err
	}
	return channel.SignatureRef{UUID: id, PublicKey: key}, nil
}

func (h *handlers) acceptChannel(ctx context.Context, p rpc.Params) (any, error) {
	receiver, err := actingPeer(ctx)
	if err != nil {
		return nil, err
	}
	id, err := p.String("uuid")
	if err != nil {
		return nil, err
	}
	publicKey, err := p.String("public_key")
	if err != nil {
		return nil, err
	}
	return h.Channels.Accept(ctx, id, receiver, publicKey)
}

func (h *handlers) channelAction(fn func(*channel.Manager, context.Context, string, peer.Address) (*channel.Channel, error)) rpc.Handler {
	return func(ctx context.Context, p rpc.Params) (any, error) {
		who, err := actingPeer(ctx)
		if err != nil {
			return nil, err
		}
		id, err := p.String("uuid")
		if err != nil {
			return nil, err
		}
		return fn(h.Channels, ctx, id, who)
	}
}
