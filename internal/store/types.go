package store

import "strings"

// Reaction codes carried in Message.AssociatedMessageType.
const (
	ReactionMin        = 2000
	ReactionRemovalMin = 3000
)

// Handle is a remote participant address.
type Handle struct {
	RowID             int64  `json:"original_rowid,omitempty"`
	Address           string `json:"address"`
	Country           string `json:"country,omitempty"`
	Service           string `json:"service,omitempty"`
	UncanonicalizedID string `json:"uncanonicalized_id,omitempty"`
}

// Attachment is file metadata stored with its owning message.
type Attachment struct {
	GUID         string `json:"guid"`
	UTI          string `json:"uti,omitempty"`
	MimeType     string `json:"mime_type,omitempty"`
	TransferName string `json:"transfer_name,omitempty"`
	TotalBytes   int64  `json:"total_bytes,omitempty"`
	Width        int    `json:"width,omitempty"`
	Height       int    `json:"height,omitempty"`
	IsSticker    bool   `json:"is_sticker,omitempty"`
	Hidden       bool   `json:"hidden,omitempty"`
}

// Message is a chat message or a reaction record. Timestamps are epoch milliseconds.
type Message struct {
	GUID                  string       `json:"guid"`
	ChatGUID              string       `json:"chat_guid"`
	Text                  string       `json:"text,omitempty"`
	Subject               string       `json:"subject,omitempty"`
	IsFromMe              bool         `json:"is_from_me"`
	IsSent                bool         `json:"is_sent"`
	IsDelivered           bool         `json:"is_delivered"`
	IsRead                bool         `json:"is_read"`
	DateCreated           int64        `json:"date_created"`
	DateRead              int64        `json:"date_read,omitempty"`
	DateDelivered         int64        `json:"date_delivered,omitempty"`
	DateEdited            int64        `json:"date_edited,omitempty"`
	Handle                *Handle      `json:"handle,omitempty"`
	HasAttachments        bool         `json:"has_attachments,omitempty"`
	Attachments           []Attachment `json:"attachments,omitempty"`
	AssociatedMessageGUID string       `json:"associated_message_guid,omitempty"`
	AssociatedMessageType int          `json:"associated_message_type,omitempty"`
	ExpressiveSendStyleID string       `json:"expressive_send_style_id,omitempty"`
	ThreadOriginatorGUID  string       `json:"thread_originator_guid,omitempty"`
	Error                 int          `json:"error,omitempty"`
}

// IsReaction reports whether m is a tapback rather than a conversational message.
func (m *Message) IsReaction() bool {
	return m.AssociatedMessageType >= ReactionMin
}

// IsReactionRemoval reports whether m withdraws an earlier tapback.
func (m *Message) IsReactionRemoval() bool {
	return m.AssociatedMessageType >= ReactionRemovalMin
}

// Sender returns the sender address, empty for self-sent messages.
func (m *Message) Sender() string {
	if m.IsFromMe || m.Handle == nil {
		return ""
	}
	return m.Handle.Address
}

// Chat is a conversation with its denormalized last message.
type Chat struct {
	GUID           string   `json:"guid"`
	ChatIdentifier string   `json:"chat_identifier"`
	DisplayName    string   `json:"display_name,omitempty"`
	IsArchived     bool     `json:"is_archived"`
	IsFiltered     bool     `json:"is_filtered"`
	IsGroup        bool     `json:"is_group"`
	Participants   []Handle `json:"participants"`
	LastMessage    *Message `json:"last_message,omitempty"`
}

// LastMessageDate returns the creation time of the last message, or 0.
func (c *Chat) LastMessageDate() int64 {
	if c.LastMessage == nil {
		return 0
	}
	return c.LastMessage.DateCreated
}

// Addresses returns participant addresses in server order.
func (c *Chat) Addresses() []string {
	out := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		out = append(out, p.Address)
	}
	return out
}

// Title picks a human label: display name, then up to three participants,
// then the identifier.
func (c *Chat) Title() string {
	if c.DisplayName != "" {
		return c.DisplayName
	}
	if addrs := c.Addresses(); len(addrs) > 0 {
		if len(addrs) > 3 {
			addrs = addrs[:3]
		}
		return strings.Join(addrs, ", ")
	}
	if c.ChatIdentifier != "" {
		return c.ChatIdentifier
	}
	return c.GUID
}
