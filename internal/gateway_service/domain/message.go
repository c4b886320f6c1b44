package domain

import (
	"time"

	"github.com/google/uuid"
)

// MessageKind classifies an inbound message unit after normalization.
type MessageKind string

const (
	KindText        MessageKind = "text"
	KindImage       MessageKind = "image"
	KindAudio       MessageKind = "audio"
	KindVideo       MessageKind = "video"
	KindDocument    MessageKind = "document"
	KindSticker     MessageKind = "sticker"
	KindLocation    MessageKind = "location"
	KindReaction    MessageKind = "reaction"
	KindUnsupported MessageKind = "unsupported"
)

// MediaKinds are the message kinds carrying a downloadable attachment.
var MediaKinds = []MessageKind{KindImage, KindAudio, KindVideo, KindDocument, KindSticker}

// Attachment is a fetched media payload attached to a stored message.
type Attachment struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	Data     []byte `json:"-"`
}

// StoredMessage is the materialized form of a message persisted through the
// message store. ReplyToID links a threaded reply to the message it answers;
// RelayOfID links a message that was relayed from another internal record, so
// replies can be propagated along the chain.
type StoredMessage struct {
	ID                uuid.UUID  `json:"id"`
	ConversationID    uuid.UUID  `json:"conversation_id"`
	ProviderMessageID string     `json:"provider_message_id,omitempty"`
	Direction         string     `json:"direction"` // "in" or "out"
	Kind              MessageKind `json:"kind"`
	Body              string     `json:"body,omitempty"`
	Attachments       []Attachment `json:"attachments,omitempty"`
	AuthorRef         string     `json:"author_ref,omitempty"`
	ReplyToID         *uuid.UUID `json:"reply_to_id,omitempty"`
	RelayOfID         *uuid.UUID `json:"relay_of_id,omitempty"`
	SentAt            time.Time  `json:"sent_at"`
	CreatedAt         time.Time  `json:"created_at"`
}

// InboundEvent is the normalized event emitted for each materialized inbound
// message, fanned out on NATS to automation, chatbot and analytics consumers.
type InboundEvent struct {
	GatewayID         uuid.UUID   `json:"gateway_id"`
	ConversationID    uuid.UUID   `json:"conversation_id"`
	MessageID         uuid.UUID   `json:"message_id"`
	ProviderMessageID string      `json:"provider_message_id"`
	ContactToken      string      `json:"contact_token"`
	Kind              MessageKind `json:"kind"`
	Body              string      `json:"body,omitempty"`
	ReceivedAt        time.Time   `json:"received_at"`
}

// OutboundPayload is the union payload accepted by the outbound sender.
// Exactly one of Text, Media or Template is set.
type OutboundPayload struct {
	Text     string
	Media    *OutboundMedia
	Template *TemplateSend
}

// OutboundMedia carries raw bytes to upload plus how to present them.
type OutboundMedia struct {
	Name     string
	MimeType string
	Data     []byte
	Caption  string
}

// TemplateSend references a pre-approved template with resolved variables.
type TemplateSend struct {
	Name      string
	Language  string
	Variables map[string]string
}
