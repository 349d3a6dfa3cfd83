// Package channel keeps the bookkeeping for end-to-end encryption channels
// between two peers. Message transport over an opened channel is not handled
// here.
package channel

import (
	"context"

	"socialbox/pkg/peer"
)

// Status is where a channel is in its handshake.
type Status string

const (
	StatusAwaitingReceiver Status = "AWAITING_RECEIVER"
	StatusOpened           Status = "OPENED"
	StatusPeerRejected     Status = "PEER_REJECTED"
	StatusServerRejected   Status = "SERVER_REJECTED"
	StatusClosed           Status = "CLOSED"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusPeerRejected, StatusServerRejected, StatusClosed:
		return true
	}
	return false
}

// Channel is one side's record of an encryption channel. Both servers of a
// cross-domain channel store a copy under the same UUID.
type Channel struct {
	UUID                        string `json:"uuid"`
	CallingPeer                 string `json:"calling_peer"`
	CallingPublicKey            string `json:"calling_public_key"`
	CallingSignatureUUID        string `json:"calling_signature_uuid"`
	CallingSignaturePublicKey   string `json:"calling_signature_public_key"`
	ReceivingPeer               string `json:"receiving_peer"`
	ReceivingPublicKey          string `json:"receiving_public_key,omitempty"`
	ReceivingSignatureUUID      string `json:"receiving_signature_uuid"`
	ReceivingSignaturePublicKey string `json:"receiving_signature_public_key"`
	Status                      Status `json:"status"`
	Created                     int64  `json:"created"`
	Updated                     int64  `json:"updated"`
}

// IsParticipant reports whether addr is one of the two ends.
func (c *Channel) IsParticipant(addr peer.Address) bool {
	s := addr.String()
	return c.CallingPeer == s || c.ReceivingPeer == s
}

// Store persists channels.
type Store interface {
	// CreateChannel fails with UUID_CONFLICT if the uuid is taken.
	CreateChannel(ctx context.Context, ch *Channel) error
	GetChannel(ctx context.Context, id string) (*Channel, error)
	// UpdateChannel applies fn atomically. fn may return an error to abort.
	UpdateChannel(ctx context.Context, id string, fn func(*Channel) error) (*Channel, error)
}

// Forwarder relays channel events to the server of the remote participant.
type Forwarder interface {
	ForwardCreate(ctx context.Context, ch *Channel) error
	ForwardAccept(ctx context.Context, ch *Channel) error
}
