package channels

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/zhaopengme/threadclaw/pkg/bus"
	"github.com/zhaopengme/threadclaw/pkg/history"
)

const (
	SummaryCommand = "summary"

	optionURL     = "url"
	optionCount   = "count"
	optionMembers = "members"
)

// summaryCommandDef is the slash command that starts a summary.
func summaryCommandDef(limit int) *discordgo.ApplicationCommand {
	minCount := 1.0
	return &discordgo.ApplicationCommand{
		Name:        SummaryCommand,
		Description: "Summarize the messages before a message link",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        optionURL,
				Description: "Link to the last message to include",
				Required:    true,
			},
			{
				Type:        discordgo.ApplicationCommandOptionInteger,
				Name:        optionCount,
				Description: "How many messages to read",
				Required:    true,
				MinValue:    &minCount,
				MaxValue:    float64(limit),
			},
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        optionMembers,
				Description: "Only summarize these members; mention them",
			},
		},
	}
}

// summaryCommandText renders slash command options as the equivalent
// text command so the gateway parses both the same way.
func summaryCommandText(data discordgo.ApplicationCommandInteractionData) string {
	var url, members string
	var count int64
	for _, opt := range data.Options {
		switch opt.Name {
		case optionURL:
			url = opt.StringValue()
		case optionCount:
			count = opt.IntValue()
		case optionMembers:
			members = opt.StringValue()
		}
	}
	return strings.TrimSpace(fmt.Sprintf("/%s %s %d %s", SummaryCommand, url, count, members))
}

// toHistoryMessage keeps image attachments as attachments and notes any
// other file inline. Forwarded messages are quoted after the content and
// contribute their attachments.
func toHistoryMessage(m *discordgo.Message) history.Message {
	msg := history.Message{
		ID:        m.ID,
		ChannelID: m.ChannelID,
		Content:   m.Content,
		CreatedAt: m.Timestamp,
	}
	if m.Author != nil {
		msg.Author = history.Author{
			ID:          m.Author.ID,
			DisplayName: m.Author.DisplayName(),
			Bot:         m.Author.Bot,
		}
		if m.Member != nil && m.Member.Nick != "" {
			msg.Author.DisplayName = m.Member.Nick
		}
	}
	if m.MessageReference != nil && m.MessageReference.Type == discordgo.MessageReferenceTypeDefault {
		msg.ReplyTo = m.MessageReference.MessageID
	}
	addAttachments(&msg, m.Attachments)

	for _, snap := range m.MessageSnapshots {
		if snap.Message == nil {
			continue
		}
		if snap.Message.Content != "" {
			msg.Content = appendContent(msg.Content, ` ↳ [Forwarded]: "`+snap.Message.Content+`"`)
		}
		addAttachments(&msg, snap.Message.Attachments)
	}
	return msg
}

func addAttachments(msg *history.Message, attachments []*discordgo.MessageAttachment) {
	for _, a := range attachments {
		if a == nil {
			continue
		}
		if strings.HasPrefix(a.ContentType, "image/") {
			msg.Attachments = append(msg.Attachments, history.Attachment{
				URL:         a.URL,
				Filename:    a.Filename,
				ContentType: a.ContentType,
			})
			continue
		}
		msg.Content = appendContent(msg.Content, fmt.Sprintf("[attachment: %s]", a.Filename))
	}
}

// appendContent safely appends content to existing text
func appendContent(content, suffix string) string {
	if content == "" {
		return suffix
	}
	return content + "\n" + suffix
}

// statusError maps a discordgo REST failure onto history.StatusError so
// the scheduler can tell retryable failures apart.
func statusError(err error) error {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		se := &history.StatusError{Status: restErr.Response.StatusCode, Err: err}
		if restErr.Message != nil {
			se.Message = restErr.Message.Message
		}
		return se
	}
	return err
}

// inboundMetadata describes a gateway message for the chat trigger.
func inboundMetadata(m *discordgo.Message, botID, parentID string) map[string]string {
	mentioned := false
	for _, u := range m.Mentions {
		if u != nil && u.ID == botID {
			mentioned = true
			break
		}
	}
	replyToBot := m.ReferencedMessage != nil && m.ReferencedMessage.Author != nil &&
		m.ReferencedMessage.Author.ID == botID

	name := ""
	if m.Author != nil {
		name = m.Author.DisplayName()
	}
	if m.Member != nil && m.Member.Nick != "" {
		name = m.Member.Nick
	}

	return map[string]string{
		bus.MetaMessageID:   m.ID,
		bus.MetaGuildID:     m.GuildID,
		bus.MetaParentID:    parentID,
		bus.MetaDisplayName: name,
		bus.MetaBotID:       botID,
		bus.MetaAuthorBot:   strconv.FormatBool(m.Author != nil && m.Author.Bot),
		bus.MetaMentionsBot: strconv.FormatBool(mentioned),
		bus.MetaReplyToBot:  strconv.FormatBool(replyToBot),
	}
}
