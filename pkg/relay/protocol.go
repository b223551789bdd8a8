// Package relay connects the clients of a shared document. The relay
// holds the authoritative copy of each room's document, applies submitted
// transactions one at a time and rebroadcasts them, which gives every
// client the same total order. Awareness updates are rebroadcast as they
// arrive and a client's awareness entry is dropped as soon as it
// disconnects.
package relay

import (
	"github.com/chazu/facet/pkg/awareness"
	"github.com/chazu/facet/pkg/document"
)

// FrameType tags a websocket frame.
type FrameType string

const (
	// FrameWelcome is the first frame a client receives: its id, the room
	// snapshot and the awareness of the peers already present.
	FrameWelcome FrameType = "welcome"
	// FrameTxn carries a transaction. Clients send it to submit; the relay
	// sends it, with Version set, once the transaction is applied.
	FrameTxn FrameType = "txn"
	// FrameReject tells the submitting client its transaction failed.
	FrameReject FrameType = "reject"
	// FrameAwareness carries one awareness field write.
	FrameAwareness FrameType = "awareness"
	// FrameLeave announces that Client disconnected.
	FrameLeave FrameType = "leave"
)

// Frame is the JSON message exchanged over the websocket.
type Frame struct {
	Type      FrameType             `json:"type"`
	Client    string                `json:"client,omitempty"`
	Version   uint64                `json:"version,omitempty"`
	Txn       *document.Transaction `json:"txn,omitempty"`
	TxnID     string                `json:"txnId,omitempty"`
	Error     string                `json:"error,omitempty"`
	Snapshot  *document.Snapshot    `json:"snapshot,omitempty"`
	Awareness *awareness.Update     `json:"awareness,omitempty"`
	Peers     []awareness.Update    `json:"peers,omitempty"`
}
