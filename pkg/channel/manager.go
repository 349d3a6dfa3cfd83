package channel

import (
	"context"
	"errors"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"socialbox/pkg/peer"
	"socialbox/pkg/store"
	"socialbox/pkg/trust"
	"socialbox/pkg/types"
)

// Peers is the lookup the manager uses for local receivers.
type Peers interface {
	GetPeerByUsername(ctx context.Context, username string) (*types.Peer, error)
}

// Keys resolves the signing keys both ends present when opening a channel.
type Keys interface {
	ResolveSigningKey(ctx context.Context, address peer.Address, keyUUID string) (*types.SigningKey, error)
}

// SignatureRef names a signing key of a participant together with the
// public key the caller expects it to resolve to.
type SignatureRef struct {
	UUID      string
	PublicKey string
}

// CreateRequest opens a channel from CallingPeer to ReceivingPeer.
type CreateRequest struct {
	// UUID is optional; the calling side's server picks one when empty and
	// the receiving side's server reuses it.
	UUID               string
	CallingPeer        peer.Address
	CallingPublicKey   string
	CallingSignature   SignatureRef
	ReceivingPeer      peer.Address
	ReceivingSignature SignatureRef
}

// Manager runs the channel handshake. Cross-domain events are relayed
// through the Forwarder.
type Manager struct {
	store   Store
	peers   Peers
	keys    Keys
	forward Forwarder
	domain  string
	clock   clock.Clock
	logger  *zap.Logger
}

// NewManager creates a channel manager. forward may be nil on a server that
// does not federate; clk may be nil for the wall clock.
func NewManager(s Store, peers Peers, keys Keys, forward Forwarder, domain string, clk clock.Clock, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Manager{store: s, peers: peers, keys: keys, forward: forward, domain: domain, clock: clk, logger: logger}
}

// Create records a new channel awaiting the receiver. A channel from a
// local caller to a remote receiver is forwarded to the receiver's server;
// if that fails the channel is kept as SERVER_REJECTED.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Channel, error) {
	id := req.UUID
	if id == "" {
		id = uuid.NewString()
	} else if _, err := uuid.Parse(id); err != nil {
		return nil, types.Errorf(types.KindInvalidFormat, "invalid channel uuid %q", id)
	}
	if _, err := trust.DecodeEncryptionKey(req.CallingPublicKey); err != nil {
		return nil, err
	}
	if req.CallingPeer.Equal(req.ReceivingPeer) {
		return nil, types.Errorf(types.KindBadRequest, "cannot open a channel to yourself")
	}

	callerLocal := req.CallingPeer.IsLocal(m.domain)
	receiverLocal := req.ReceivingPeer.IsLocal(m.domain)
	if !callerLocal && !receiverLocal {
		return nil, types.Errorf(types.KindBadRequest, "neither %s nor %s belongs to this server", req.CallingPeer, req.ReceivingPeer)
	}
	if receiverLocal {
		if err := m.requireLocalPeer(ctx, req.ReceivingPeer); err != nil {
			return nil, err
		}
	}
	if err := m.checkSignature(ctx, "calling", req.CallingPeer, req.CallingSignature); err != nil {
		return nil, err
	}
	if err := m.checkSignature(ctx, "receiving", req.ReceivingPeer, req.ReceivingSignature); err != nil {
		return nil, err
	}

	now := m.clock.Now().Unix()
	ch := &Channel{
		UUID:                        id,
		CallingPeer:                 req.CallingPeer.String(),
		CallingPublicKey:            req.CallingPublicKey,
		CallingSignatureUUID:        req.CallingSignature.UUID,
		CallingSignaturePublicKey:   req.CallingSignature.PublicKey,
		ReceivingPeer:               req.ReceivingPeer.String(),
		ReceivingSignatureUUID:      req.ReceivingSignature.UUID,
		ReceivingSignaturePublicKey: req.ReceivingSignature.PublicKey,
		Status:                      StatusAwaitingReceiver,
		Created:                     now,
		Updated:                     now,
	}
	if err := m.store.CreateChannel(ctx, ch); err != nil {
		return nil, err
	}
	m.logger.Info("Channel created",
		zap.String("channel", ch.UUID),
		zap.String("caller", ch.CallingPeer),
		zap.String("receiver", ch.ReceivingPeer))

	if callerLocal && !receiverLocal && m.forward != nil {
		if err := m.forward.ForwardCreate(ctx, ch); err != nil {
			return m.serverRejected(ctx, ch, err)
		}
	}
	return ch, nil
}

// Accept opens the channel with the receiver's public key.
func (m *Manager) Accept(ctx context.Context, id string, receiver peer.Address, publicKey string) (*Channel, error) {
	if _, err := trust.DecodeEncryptionKey(publicKey); err != nil {
		return nil, err
	}

	ch, err := m.store.UpdateChannel(ctx, id, func(ch *Channel) error {
		if ch.ReceivingPeer != receiver.String() {
			return types.Errorf(types.KindUnauthorized, "only %s may accept channel %s", ch.ReceivingPeer, id)
		}
		if ch.Status != StatusAwaitingReceiver {
			return types.Errorf(types.KindBadRequest, "channel %s is %s", id, ch.Status)
		}
		ch.ReceivingPublicKey = publicKey
		ch.Status = StatusOpened
		ch.Updated = m.clock.Now().Unix()
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("Channel opened", zap.String("channel", ch.UUID))

	caller, err := peer.Parse(ch.CallingPeer)
	if err != nil {
		return nil, types.Errorf(types.KindInternal, "channel %s has an invalid caller: %w", id, err)
	}
	if !caller.IsLocal(m.domain) && receiver.IsLocal(m.domain) && m.forward != nil {
		if err := m.forward.ForwardAccept(ctx, ch); err != nil {
			return m.serverRejected(ctx, ch, err)
		}
	}
	return ch, nil
}

// Reject declines a channel awaiting receiver.
func (m *Manager) Reject(ctx context.Context, id string, receiver peer.Address) (*Channel, error) {
	return m.store.UpdateChannel(ctx, id, func(ch *Channel) error {
		if ch.ReceivingPeer != receiver.String() {
			return types.Errorf(types.KindUnauthorized, "only %s may reject channel %s", ch.ReceivingPeer, id)
		}
		if ch.Status != StatusAwaitingReceiver {
			return types.Errorf(types.KindBadRequest, "channel %s is %s", id, ch.Status)
		}
		ch.Status = StatusPeerRejected
		ch.Updated = m.clock.Now().Unix()
		return nil
	})
}

// Close ends an opened channel. Either participant may close it.
func (m *Manager) Close(ctx context.Context, id string, participant peer.Address) (*Channel, error) {
	return m.store.UpdateChannel(ctx, id, func(ch *Channel) error {
		if !ch.IsParticipant(participant) {
			return types.Errorf(types.KindNotFound, "channel %s not found", id)
		}
		if ch.Status != StatusOpened {
			return types.Errorf(types.KindBadRequest, "channel %s is %s", id, ch.Status)
		}
		ch.Status = StatusClosed
		ch.Updated = m.clock.Now().Unix()
		return nil
	})
}

// Get returns a channel to one of its participants. Anyone else gets
// NOT_FOUND.
func (m *Manager) Get(ctx context.Context, id string, requester peer.Address) (*Channel, error) {
	ch, err := m.store.GetChannel(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ch.IsParticipant(requester) {
		return nil, types.Errorf(types.KindNotFound, "channel %s not found", id)
	}
	return ch, nil
}

// checkSignature resolves the signing key a participant presented and
// requires it to match the supplied public key and still be active.
func (m *Manager) checkSignature(ctx context.Context, side string, addr peer.Address, ref SignatureRef) error {
	if _, err := uuid.Parse(ref.UUID); err != nil {
		return types.Errorf(types.KindInvalidFormat, "invalid %s signature uuid %q", side, ref.UUID)
	}
	if _, err := trust.DecodePublicKey(ref.PublicKey); err != nil {
		return types.Errorf(types.KindInvalidFormat, "invalid %s signature public key: %w", side, err)
	}
	key, err := m.keys.ResolveSigningKey(ctx, addr, ref.UUID)
	if err != nil {
		return err
	}
	if err := trust.ExpectPublicKey(key, ref.PublicKey); err != nil {
		m.logger.Warn("Channel signature mismatch",
			zap.String("peer", addr.String()),
			zap.String("signature", ref.UUID))
		return types.Errorf(types.KindCryptographic, "%s signature of %s: %w", side, addr, err)
	}
	if err := trust.RequireTrusted(key, m.clock.Now()); err != nil {
		return types.Errorf(types.KindOf(err), "%s signature of %s: %w", side, addr, err)
	}
	return nil
}

func (m *Manager) requireLocalPeer(ctx context.Context, addr peer.Address) error {
	if addr.IsReserved() {
		return types.Errorf(types.KindNotFound, "peer %s not found", addr)
	}
	p, err := m.peers.GetPeerByUsername(ctx, addr.Username)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !p.Enabled) {
		return types.Errorf(types.KindNotFound, "peer %s not found", addr)
	}
	if err != nil {
		return types.Errorf(types.KindInternal, "failed to load peer: %w", err)
	}
	return nil
}

// serverRejected marks ch rejected after its remote server refused or could
// not be reached. The channel is returned with no error; the status tells
// the caller what happened.
func (m *Manager) serverRejected(ctx context.Context, ch *Channel, cause error) (*Channel, error) {
	m.logger.Warn("Remote server rejected channel",
		zap.String("channel", ch.UUID),
		zap.Error(cause))

	updated, err := m.store.UpdateChannel(ctx, ch.UUID, func(c *Channel) error {
		c.Status = StatusServerRejected
		c.Updated = m.clock.Now().Unix()
		return nil
	})
	if err != nil {
		return nil, types.Errorf(types.KindInternal, "failed to record rejection of channel %s: %w", ch.UUID, err)
	}
	return updated, nil
}
