package models

import "time"

// ChatMessageType distinguishes user chat from system notices.
type ChatMessageType string

const (
	ChatTypeMessage      ChatMessageType = "message"
	ChatTypeSystem       ChatMessageType = "system"
	ChatTypeAnnouncement ChatMessageType = "announcement"
)

// Valid reports whether t is a known chat message type.
func (t ChatMessageType) Valid() bool {
	switch t {
	case ChatTypeMessage, ChatTypeSystem, ChatTypeAnnouncement:
		return true
	}
	return false
}

// ChatMessage is a text message in a broadcast. Messages are soft-deleted only.
type ChatMessage struct {
	ID              string          `bson:"_id" json:"id"`
	SessionID       string          `bson:"sessionId" json:"sessionId"`
	ParticipantID   string          `bson:"participantId" json:"participantId"`
	ParticipantName string          `bson:"participantName" json:"participantName"`
	Message         string          `bson:"message" json:"message"`
	Type            ChatMessageType `bson:"type" json:"type"`
	Timestamp       time.Time       `bson:"timestamp" json:"timestamp"`
	IsDeleted       bool            `bson:"isDeleted" json:"isDeleted"`
	DeletedAt       *time.Time      `bson:"deletedAt,omitempty" json:"deletedAt,omitempty"`
}

// Reaction is an emoji sent during a broadcast. Immutable once created.
type Reaction struct {
	ID              string    `bson:"_id" json:"id"`
	SessionID       string    `bson:"sessionId" json:"sessionId"`
	ParticipantID   string    `bson:"participantId" json:"participantId"`
	ParticipantName string    `bson:"participantName" json:"participantName"`
	Emoji           string    `bson:"emoji" json:"emoji"`
	Timestamp       time.Time `bson:"timestamp" json:"timestamp"`
}
