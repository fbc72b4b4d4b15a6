package domain

// Role identifies the sender of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Content is a typed message body. ContentType is currently always "text";
// the tag exists so richer bodies can be added without a schema change.
type Content struct {
	ContentType string `json:"content_type"`
	Body        string `json:"body"`
}

// Message is one node in a conversation's message tree. Parent is nil for
// roots; Children holds the ids of direct replies in insertion order.
type Message struct {
	Role       Role     `json:"role"`
	Content    Content  `json:"content"`
	Model      string   `json:"model"`
	Children   []string `json:"children"`
	Parent     *string  `json:"parent"`
	CreateTime float64  `json:"create_time"`
}

// Conversation is a user-owned message tree. MessageMap is keyed by message
// id; LastMessageID points at the leaf of the active branch. BotID is empty
// for ad-hoc conversations.
type Conversation struct {
	ID            string
	Title         string
	CreateTime    float64
	MessageMap    map[string]Message
	LastMessageID string
	BotID         string
}

// ConversationSummary is the listing shape: no message map, just the model
// tag sampled from one of the conversation's messages.
type ConversationSummary struct {
	ID         string
	Title      string
	CreateTime float64
	Model      string
	BotID      string
}
