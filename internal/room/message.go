package room

import (
	"encoding/json"
	"time"
)

// Message types exchanged with clients.
const (
	TypeAuth         = "auth"
	TypeAuthRequired = "auth_required"
	TypeAuthOK       = "auth_ok"
	TypeAuthError    = "auth_error"
	TypeChat         = "chat"
	TypeTyping       = "typing"
	TypePresence     = "presence"
)

// Message is a server-side payload: a chat entry kept in history or an
// ephemeral presence, typing or auth notice.
type Message struct {
	Type      string
	Username  string
	Text      string
	Users     []string
	IsTyping  bool
	Timestamp time.Time
}

// Timestamp layout used on the wire.
const timestampLayout = time.RFC3339Nano

type chatWire struct {
	Type     string `json:"type"`
	Username string `json:"username"`
	Message  string `json:"message"`
	TS       string `json:"ts"`
}

type typingWire struct {
	Type     string `json:"type"`
	Username string `json:"username"`
	IsTyping bool   `json:"is_typing"`
	TS       string `json:"ts"`
}

type presenceWire struct {
	Type  string   `json:"type"`
	Users []string `json:"users"`
	TS    string   `json:"ts"`
}

type noticeWire struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	TS      string `json:"ts"`
}

// MarshalJSON encodes only the fields that belong to the message type.
func (m Message) MarshalJSON() ([]byte, error) {
	ts := m.Timestamp.UTC().Format(timestampLayout)

	switch m.Type {
	case TypeChat:
		return json.Marshal(chatWire{Type: m.Type, Username: m.Username, Message: m.Text, TS: ts})
	case TypeTyping:
		return json.Marshal(typingWire{Type: m.Type, Username: m.Username, IsTyping: m.IsTyping, TS: ts})
	case TypePresence:
		users := m.Users
		if users == nil {
			users = []string{}
		}
		return json.Marshal(presenceWire{Type: m.Type, Users: users, TS: ts})
	default:
		return json.Marshal(noticeWire{Type: m.Type, Message: m.Text, TS: ts})
	}
}

// NewChat builds a chat message stamped at ts.
func NewChat(username, text string, ts time.Time) Message {
	return Message{Type: TypeChat, Username: username, Text: text, Timestamp: ts.UTC()}
}

// NewTyping builds a typing indicator stamped at ts.
func NewTyping(username string, isTyping bool, ts time.Time) Message {
	return Message{Type: TypeTyping, Username: username, IsTyping: isTyping, Timestamp: ts.UTC()}
}

// NewPresence builds a presence snapshot stamped at ts.
func NewPresence(users []string, ts time.Time) Message {
	return Message{Type: TypePresence, Users: users, Timestamp: ts.UTC()}
}

// NewNotice builds an auth_required, auth_ok or auth_error message.
func NewNotice(kind, text string, ts time.Time) Message {
	return Message{Type: kind, Text: text, Timestamp: ts.UTC()}
}
