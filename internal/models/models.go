package models

import (
	"errors"
	"strings"
)

var (
	ErrNotFound = errors.New("not found")
)

// Participant is the minimal identity record copied into every message.
// It is not live-joined: historical messages keep the identity as of sending.
type Participant struct {
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeImage MessageType = "image"
	MessageTypeAudio MessageType = "audio"
	MessageTypeFile  MessageType = "file"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeAudio, MessageTypeFile:
		return true
	}
	return false
}

// MessageTypeForMIME classifies an attachment by its MIME type prefix.
func MessageTypeForMIME(mimeType string) MessageType {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return MessageTypeImage
	case strings.HasPrefix(mimeType, "audio/"):
		return MessageTypeAudio
	default:
		return MessageTypeFile
	}
}

// Message represents a direct message.
type Message struct {
	ID             string      `json:"id,omitempty"`
	ConversationID string      `json:"conversationId"`
	Sender         Participant `json:"sender"`
	Receiver       Participant `json:"receiver"`
	Type           MessageType `json:"type"`
	Content        string      `json:"content"`
	FileName       string      `json:"fileName,omitempty"`
	FileSize       int64       `json:"fileSize,omitempty"`
	Timestamp      int64       `json:"timestamp"` // Unix milliseconds, assigned by the store

	// HTML is the rendered text body. Filled on delivery, never stored.
	HTML string `json:"html,omitempty"`
}

// PresenceView is a participant's status together with its display color.
type PresenceView struct {
	Status string `json:"status"`
	Color  string `json:"color"`
}

// ParticipantView is a directory entry as shown to clients.
type ParticipantView struct {
	Participant
	Presence PresenceView `json:"presence"`
}

// ClientMessage represents a message sent from the client to the server.
type ClientMessage struct {
	Type           ClientMessageType `json:"type"`
	ConversationID string            `json:"conversationId,omitempty"`
	Peer           string            `json:"peer,omitempty"`
	Content        string            `json:"content,omitempty"`
	Status         string            `json:"status,omitempty"`
}

// ServerMessage represents a message to the client.
type ServerMessage struct {
	Type           ServerMessageType       `json:"type"`
	ConversationID string                  `json:"conversationId,omitempty"`
	Messages       []Message               `json:"messages,omitempty"`
	Unread         map[string]int          `json:"unread,omitempty"`
	Presence       map[string]PresenceView `json:"presence,omitempty"`
	Percent        *int                    `json:"percent,omitempty"`
	FileName       string                  `json:"fileName,omitempty"`
	Error          string                  `json:"error,omitempty"`
}

type ClientMessageType string

const (
	ClientMessageTypeOpen     ClientMessageType = "open"
	ClientMessageTypeClose    ClientMessageType = "close"
	ClientMessageTypeSend     ClientMessageType = "send"
	ClientMessageTypeRead     ClientMessageType = "read"
	ClientMessageTypePresence ClientMessageType = "presence"
)

type ServerMessageType string

const (
	ServerMessageTypeMessages ServerMessageType = "messages"
	ServerMessageTypeUnread   ServerMessageType = "unread"
	ServerMessageTypePresence ServerMessageType = "presence"
	ServerMessageTypeProgress ServerMessageType = "progress"
	ServerMessageTypeError    ServerMessageType = "error"
)

type APIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}
