package bus

import "github.com/coopco/kimibridge/internal/identity"

// MessageKind classifies an inbound message for routing.
type MessageKind string

const (
	KindText    MessageKind = "text"
	KindFile    MessageKind = "file"
	KindImage   MessageKind = "image"
	KindVideo   MessageKind = "video"
	KindSharing MessageKind = "sharing" // shared-link card
)

// Attachment describes a file carried by an inbound message. LocalPath is
// empty until the attachment has been materialized on disk, either eagerly by
// the channel or lazily via InboundMessage.Prepare.
type Attachment struct {
	Name      string
	LocalPath string
	MimeType  string
}

// InboundMessage represents a message received from a host channel.
type InboundMessage struct {
	Channel    string // source channel name (e.g. "telegram", "discord")
	MsgID      string // host-assigned message identifier, used for dedup
	SenderID   string // sender as reported by the channel
	ChatID     string // chat/conversation identifier for replies
	IsGroup    bool
	GroupID    string
	GroupName  string
	Kind       MessageKind
	Content    string
	Attachment *Attachment

	// ActualUserID is the real member behind an aggregated group sender.
	// Optional; empty means SenderID is already the real user.
	ActualUserID string

	// Prepare, when set, downloads the attachment to local disk and fills
	// Attachment.LocalPath. Channels that deliver attachments by reference
	// set this so the bytes are only fetched for messages we actually handle.
	Prepare func() error
}

// Identity resolves the requester identity used to key all pending state and
// chat sessions. Every handler must go through this instead of re-deriving
// the group/user tuple itself.
func (m InboundMessage) Identity() identity.Identity {
	userID := m.SenderID
	if m.ActualUserID != "" {
		userID = m.ActualUserID
	}
	if m.IsGroup {
		return identity.Group(m.GroupID, userID)
	}
	return identity.Private(userID)
}

// OutboundMessage represents a message to be sent back through a channel.
type OutboundMessage struct {
	Channel string // target channel
	ChatID  string // target chat
	Content string // text content
	Type    string // "text", "progress", "error"
	ReplyTo string // optional message ID to reply to
}

// ReplyTo builds an outbound message addressed back at the conversation that
// produced m.
func Reply(m InboundMessage, typ, content string) OutboundMessage {
	return OutboundMessage{
		Channel: m.Channel,
		ChatID:  m.ChatID,
		Content: content,
		Type:    typ,
		ReplyTo: m.MsgID,
	}
}
