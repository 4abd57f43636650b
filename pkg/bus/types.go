package bus

// Metadata keys shared by the Discord channel and the handlers behind the
// gateway.
const (
	MetaMessageID     = "message_id"
	MetaGuildID       = "guild_id"
	MetaParentID      = "parent_id"
	MetaDisplayName   = "display_name"
	MetaBotID         = "bot_id"
	MetaAuthorBot     = "author_bot"
	MetaMentionsBot   = "mentions_bot"
	MetaReplyToBot    = "reply_to_bot"
	MetaInteractionID = "interaction_id"
	MetaRequestID     = "request_id"

	MetaReplyTo     = "reply_to"
	MetaEmoji       = "emoji"
	MetaEmbedTitle  = "embed_title"
	MetaEmbedFooter = "embed_footer"
)

// OutboundKind selects what the channel does with an outbound message.
type OutboundKind string

const (
	// KindMessage posts Content, replying to MetaReplyTo when set.
	KindMessage OutboundKind = ""
	// KindTyping shows the typing indicator until the next message.
	KindTyping OutboundKind = "typing"
	// KindReaction adds MetaEmoji to the MetaReplyTo message.
	KindReaction OutboundKind = "reaction"
	// KindEmbed posts Content as an embed body.
	KindEmbed OutboundKind = "embed"
	// KindInteraction edits the deferred reply of MetaInteractionID.
	KindInteraction OutboundKind = "interaction"
)

type InboundMessage struct {
	Channel  string            `json:"channel"`
	SenderID string            `json:"sender_id"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	Media    []string          `json:"media,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Flag reports whether a boolean metadata key is set to "true".
func (m InboundMessage) Flag(key string) bool {
	return m.Metadata[key] == "true"
}

type OutboundMessage struct {
	Channel  string            `json:"channel"`
	ChatID   string            `json:"chat_id"`
	Kind     OutboundKind      `json:"kind,omitempty"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}
