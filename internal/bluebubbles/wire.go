package bluebubbles

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/matheus3301/bluebubbles/internal/model"
	"github.com/matheus3301/bluebubbles/internal/store"
)

// envelope is the response wrapper every endpoint returns.
type envelope struct {
	Status  int             `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Type  string `json:"type"`
		Error string `json:"error"`
	} `json:"error"`
}

type wireHandle struct {
	RowID             int64  `json:"originalROWID"`
	Address           string `json:"address"`
	Country           string `json:"country"`
	Service           string `json:"service"`
	UncanonicalizedID string `json:"uncanonicalizedId"`
}

func (h *wireHandle) toStore() store.Handle {
	service := h.Service
	if service == "" {
		service = "iMessage"
	}
	return store.Handle{
		RowID:             h.RowID,
		Address:           h.Address,
		Country:           h.Country,
		Service:           service,
		UncanonicalizedID: h.UncanonicalizedID,
	}
}

type wireAttachment struct {
	GUID           string `json:"guid"`
	UTI            string `json:"uti"`
	MimeType       string `json:"mimeType"`
	TransferName   string `json:"transferName"`
	TotalBytes     int64  `json:"totalBytes"`
	Width          int    `json:"width"`
	Height         int    `json:"height"`
	IsSticker      bool   `json:"isSticker"`
	HideAttachment bool   `json:"hideAttachment"`
}

// reactionCode accepts a number, a numeric string or a tapback name.
type reactionCode int

func (r *reactionCode) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*r = 0
		return nil
	}
	if b[0] != '"' {
		var n int
		if err := json.Unmarshal(b, &n); err != nil {
			return err
		}
		*r = reactionCode(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		*r = reactionCode(n)
		return nil
	}
	if t, err := model.ParseTapback(s); err == nil {
		*r = reactionCode(t)
		return nil
	}
	*r = 0
	return nil
}

// chatRefs accepts the chats field as objects with a guid or as bare strings.
type chatRefs []string

func (c *chatRefs) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		var obj struct {
			GUID string `json:"guid"`
		}
		if err := json.Unmarshal(item, &obj); err == nil {
			if obj.GUID != "" {
				out = append(out, obj.GUID)
			}
			continue
		}
		var s string
		if err := json.Unmarshal(item, &s); err == nil && s != "" {
			out = append(out, s)
		}
	}
	*c = out
	return nil
}

type wireMessage struct {
	RowID                 int64            `json:"originalROWID"`
	GUID                  string           `json:"guid"`
	Text                  *string          `json:"text"`
	Subject               *string          `json:"subject"`
	IsFromMe              bool             `json:"isFromMe"`
	DateCreated           int64            `json:"dateCreated"`
	DateRead              int64            `json:"dateRead"`
	DateDelivered         int64            `json:"dateDelivered"`
	DateEdited            int64            `json:"dateEdited"`
	IsSent                bool             `json:"isSent"`
	IsDelivered           bool             `json:"isDelivered"`
	IsRead                bool             `json:"isRead"`
	HasAttachments        bool             `json:"hasAttachments"`
	Attachments           []wireAttachment `json:"attachments"`
	AssociatedMessageGUID *string          `json:"associatedMessageGuid"`
	AssociatedMessageType reactionCode     `json:"associatedMessageType"`
	ExpressiveSendStyleID *string          `json:"expressiveSendStyleId"`
	ThreadOriginatorGUID  *string          `json:"threadOriginatorGuid"`
	Handle                *wireHandle      `json:"handle"`
	Chats                 chatRefs         `json:"chats"`
	Error                 int              `json:"error"`
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// chatGUID returns the first owning chat reported with the message.
func (m *wireMessage) chatGUID() string {
	if len(m.Chats) == 0 {
		return ""
	}
	return m.Chats[0]
}

func (m *wireMessage) toStore() store.Message {
	out := store.Message{
		GUID:                  m.GUID,
		ChatGUID:              m.chatGUID(),
		Text:                  deref(m.Text),
		Subject:               deref(m.Subject),
		IsFromMe:              m.IsFromMe,
		IsSent:                m.IsSent,
		IsDelivered:           m.IsDelivered,
		IsRead:                m.IsRead,
		DateCreated:           m.DateCreated,
		DateRead:              m.DateRead,
		DateDelivered:         m.DateDelivered,
		DateEdited:            m.DateEdited,
		HasAttachments:        m.HasAttachments,
		AssociatedMessageGUID: deref(m.AssociatedMessageGUID),
		AssociatedMessageType: int(m.AssociatedMessageType),
		ExpressiveSendStyleID: deref(m.ExpressiveSendStyleID),
		ThreadOriginatorGUID:  deref(m.ThreadOriginatorGUID),
		Error:                 m.Error,
	}
	if m.Handle != nil {
		h := m.Handle.toStore()
		out.Handle = &h
	}
	for _, a := range m.Attachments {
		out.Attachments = append(out.Attachments, store.Attachment{
			GUID:         a.GUID,
			UTI:          a.UTI,
			MimeType:     a.MimeType,
			TransferName: a.TransferName,
			TotalBytes:   a.TotalBytes,
			Width:        a.Width,
			Height:       a.Height,
			IsSticker:    a.IsSticker,
			Hidden:       a.HideAttachment,
		})
	}
	return out
}

// groupStyle is the chat style the server uses for group conversations.
const groupStyle = 43

type wireChat struct {
	RowID          int64        `json:"originalROWID"`
	GUID           string       `json:"guid"`
	ChatIdentifier string       `json:"chatIdentifier"`
	DisplayName    *string      `json:"displayName"`
	IsArchived     bool         `json:"isArchived"`
	IsFiltered     bool         `json:"isFiltered"`
	IsGroup        bool         `json:"isGroup"`
	Style          int          `json:"style"`
	Participants   []wireHandle `json:"participants"`
	LastMessage    *wireMessage `json:"lastMessage"`
}

func (c *wireChat) toStore() store.Chat {
	out := store.Chat{
		GUID:           c.GUID,
		ChatIdentifier: c.ChatIdentifier,
		DisplayName:    deref(c.DisplayName),
		IsArchived:     c.IsArchived,
		IsFiltered:     c.IsFiltered,
		IsGroup:        c.IsGroup || c.Style == groupStyle,
		Participants:   make([]store.Handle, 0, len(c.Participants)),
	}
	for i := range c.Participants {
		out.Participants = append(out.Participants, c.Participants[i].toStore())
	}
	if c.LastMessage != nil {
		m := c.LastMessage.toStore()
		m.ChatGUID = c.GUID
		out.LastMessage = &m
	}
	return out
}

// ContactAddress is one phone number or email on a Contact.
type ContactAddress struct {
	Address string `json:"address"`
}

// Contact is an address-book card from the server.
type Contact struct {
	ID          string           `json:"id"`
	DisplayName string           `json:"displayName"`
	FirstName   string           `json:"firstName"`
	LastName    string           `json:"lastName"`
	Nickname    string           `json:"nickname"`
	Phones      []ContactAddress `json:"phoneNumbers"`
	Emails      []ContactAddress `json:"emails"`
}

// Name resolves display name, then first and last name, then nickname.
func (c *Contact) Name() string {
	if c.DisplayName != "" {
		return c.DisplayName
	}
	if full := strings.TrimSpace(c.FirstName + " " + c.LastName); full != "" {
		return full
	}
	return c.Nickname
}

// PhoneNumbers returns the raw phone addresses.
func (c *Contact) PhoneNumbers() []string {
	return addresses(c.Phones)
}

// EmailAddresses returns the raw email addresses.
func (c *Contact) EmailAddresses() []string {
	return addresses(c.Emails)
}

func addresses(in []ContactAddress) []string {
	out := make([]string, 0, len(in))
	for _, a := range in {
		if a.Address != "" {
			out = append(out, a.Address)
		}
	}
	return out
}

// ServerInfo describes the remote server.
type ServerInfo struct {
	OSVersion       string `json:"os_version"`
	ServerVersion   string `json:"server_version"`
	PrivateAPI      bool   `json:"private_api"`
	ProxyService    string `json:"proxy_service"`
	HelperConnected bool   `json:"helper_connected"`
	DetectedICloud  string `json:"detected_icloud"`
}
