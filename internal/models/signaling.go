package models

import (
	"encoding/json"
	"time"
)

// SignalType is the kind of WebRTC negotiation message.
type SignalType string

const (
	SignalOffer     SignalType = "offer"
	SignalAnswer    SignalType = "answer"
	SignalCandidate SignalType = "candidate"
)

// Valid reports whether t is a known signal type.
func (t SignalType) Valid() bool {
	switch t {
	case SignalOffer, SignalAnswer, SignalCandidate:
		return true
	}
	return false
}

// SignalingMessage sits in a per-session mailbox until the peer polls it.
// From and To are optional peer ids; an empty To addresses every peer.
type SignalingMessage struct {
	ID        string          `bson:"_id" json:"id"`
	SessionID string          `bson:"sessionId" json:"sessionId"`
	Type      SignalType      `bson:"type" json:"type"`
	Payload   json.RawMessage `bson:"payload" json:"payload"`
	From      string          `bson:"from,omitempty" json:"from,omitempty"`
	To        string          `bson:"to,omitempty" json:"to,omitempty"`
	Timestamp time.Time       `bson:"timestamp" json:"timestamp"`
}

// DeliverableTo reports whether peerID should receive m. An empty peerID receives everything.
func (m *SignalingMessage) DeliverableTo(peerID string) bool {
	if peerID == "" {
		return true
	}
	if m.From == peerID {
		return false
	}
	return m.To == "" || m.To == peerID
}
