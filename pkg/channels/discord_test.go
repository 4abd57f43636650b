package channels

import (
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhaopengme/threadclaw/pkg/bus"
	"github.com/zhaopengme/threadclaw/pkg/config"
	"github.com/zhaopengme/threadclaw/pkg/history"
)

type fakeAPI struct {
	mu        sync.Mutex
	sent      []*discordgo.MessageSend
	reactions []string
	typing    int
	edits     []string
	responds  []*discordgo.InteractionResponse
	channels  map[string]*discordgo.Channel
	messages  []*discordgo.Message
	err       error
}

func (f *fakeAPI) ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	if len(f.messages) > limit {
		return f.messages[:limit], nil
	}
	return f.messages, nil
}

func (f *fakeAPI) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, data)
	return &discordgo.Message{ChannelID: channelID}, nil
}

func (f *fakeAPI) MessageReactionAdd(channelID, messageID, emojiID string, options ...discordgo.RequestOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions = append(f.reactions, messageID+":"+emojiID)
	return nil
}

func (f *fakeAPI) ChannelTyping(channelID string, options ...discordgo.RequestOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing++
	return nil
}

func (f *fakeAPI) Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	ch, ok := f.channels[channelID]
	if !ok {
		return nil, errors.New("unknown channel")
	}
	return ch, nil
}

func (f *fakeAPI) InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responds = append(f.responds, resp)
	return nil
}

func (f *fakeAPI) InteractionResponseEdit(interaction *discordgo.Interaction, newresp *discordgo.WebhookEdit, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, *newresp.Content)
	return &discordgo.Message{}, nil
}

type inboundRecorder struct {
	mu  sync.Mutex
	in  []bus.InboundMessage
	out []bus.OutboundMessage
}

func (r *inboundRecorder) PublishInbound(msg bus.InboundMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.in = append(r.in, msg)
}

func (r *inboundRecorder) PublishOutbound(msg bus.OutboundMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.out = append(r.out, msg)
}

func newTestChannel(api *fakeAPI) (*DiscordChannel, *inboundRecorder) {
	rec := &inboundRecorder{}
	c := newDiscordChannel(api, config.DiscordConfig{GuildID: "g1"}, rec, 1000)
	c.botUserID = "bot"
	return c, rec
}

func TestSendSplitsAndRepliesOnce(t *testing.T) {
	api := &fakeAPI{}
	c, _ := newTestChannel(api)

	long := make([]byte, 0, 2500)
	for len(long) < 2500 {
		long = append(long, "word "...)
	}
	err := c.Send(t.Context(), bus.OutboundMessage{
		ChatID:   "c1",
		Content:  string(long),
		Metadata: map[string]string{bus.MetaReplyTo: "m1"},
	})
	require.NoError(t, err)

	require.Len(t, api.sent, 2)
	require.NotNil(t, api.sent[0].Reference)
	assert.Equal(t, "m1", api.sent[0].Reference.MessageID)
	require.NotNil(t, api.sent[0].Reference.FailIfNotExists)
	assert.False(t, *api.sent[0].Reference.FailIfNotExists)
	assert.Nil(t, api.sent[1].Reference)
	assert.False(t, api.sent[0].AllowedMentions.RepliedUser)
	for _, s := range api.sent {
		assert.LessOrEqual(t, len([]rune(s.Content)), messageLimit)
	}
}

func TestSendRejectsEmptyChat(t *testing.T) {
	c, _ := newTestChannel(&fakeAPI{})
	assert.Error(t, c.Send(t.Context(), bus.OutboundMessage{Content: "hi"}))
}

func TestSendReaction(t *testing.T) {
	api := &fakeAPI{}
	c, _ := newTestChannel(api)

	err := c.Send(t.Context(), bus.OutboundMessage{
		ChatID:   "c1",
		Kind:     bus.KindReaction,
		Metadata: map[string]string{bus.MetaReplyTo: "m1", bus.MetaEmoji: "😵"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"m1:😵"}, api.reactions)

	err = c.Send(t.Context(), bus.OutboundMessage{ChatID: "c1", Kind: bus.KindReaction})
	assert.Error(t, err)
}

func TestSendEmbedTitleAndFooter(t *testing.T) {
	api := &fakeAPI{}
	c, _ := newTestChannel(api)

	body := make([]rune, 0, 5000)
	for len(body) < 5000 {
		body = append(body, []rune("abcd\n")...)
	}
	err := c.Send(t.Context(), bus.OutboundMessage{
		ChatID:  "c1",
		Kind:    bus.KindEmbed,
		Content: string(body),
		Metadata: map[string]string{
			bus.MetaEmbedTitle:  "Report",
			bus.MetaEmbedFooter: "analyzed 3 messages",
		},
	})
	require.NoError(t, err)

	require.Len(t, api.sent, 2)
	first, last := api.sent[0].Embeds[0], api.sent[1].Embeds[0]
	assert.Equal(t, "Report", first.Title)
	assert.Nil(t, first.Footer)
	assert.Empty(t, last.Title)
	require.NotNil(t, last.Footer)
	assert.Equal(t, "analyzed 3 messages", last.Footer.Text)
	assert.Equal(t, embedColor, first.Color)
}

func TestSendTypingStopsOnReply(t *testing.T) {
	api := &fakeAPI{}
	c, _ := newTestChannel(api)

	require.NoError(t, c.Send(t.Context(), bus.OutboundMessage{ChatID: "c1", Kind: bus.KindTyping}))
	assert.Eventually(t, func() bool {
		api.mu.Lock()
		defer api.mu.Unlock()
		return api.typing == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Send(t.Context(), bus.OutboundMessage{ChatID: "c1", Content: "done"}))
	c.typingMu.Lock()
	_, running := c.typingStop["c1"]
	c.typingMu.Unlock()
	assert.False(t, running)
}

func TestSendInteraction(t *testing.T) {
	api := &fakeAPI{}
	c, _ := newTestChannel(api)
	c.interactions.Add("i1", &discordgo.Interaction{ID: "i1"})

	require.NoError(t, c.Send(t.Context(), bus.OutboundMessage{
		ChatID:   "c1",
		Kind:     bus.KindInteraction,
		Content:  "working",
		Metadata: map[string]string{bus.MetaInteractionID: "i1"},
	}))
	assert.Equal(t, []string{"working"}, api.edits)

	// Unknown interactions fall back to a channel message.
	require.NoError(t, c.Send(t.Context(), bus.OutboundMessage{
		ChatID:   "c1",
		Kind:     bus.KindInteraction,
		Content:  "late",
		Metadata: map[string]string{bus.MetaInteractionID: "gone"},
	}))
	require.Len(t, api.sent, 1)
	assert.Equal(t, "late", api.sent[0].Content)
}

func TestFetchPage(t *testing.T) {
	api := &fakeAPI{messages: []*discordgo.Message{
		{ID: "2", ChannelID: "c1", Content: "b", Author: &discordgo.User{ID: "u1", Username: "ann"}},
		{ID: "1", ChannelID: "c1", Content: "a", Author: &discordgo.User{ID: "u2", Username: "bo"}},
	}}
	c, _ := newTestChannel(api)

	page, err := c.FetchPage(t.Context(), "c1", "", 100)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "2", page[0].ID)
	assert.Equal(t, "ann", page[0].Author.DisplayName)
}

func TestFetchPageMapsRESTErrors(t *testing.T) {
	api := &fakeAPI{err: &discordgo.RESTError{
		Response: &http.Response{StatusCode: http.StatusTooManyRequests, Status: "429 Too Many Requests"},
		Message:  &discordgo.APIErrorMessage{Message: "You are being rate limited."},
	}}
	c, _ := newTestChannel(api)

	_, err := c.FetchPage(t.Context(), "c1", "", 100)
	var se *history.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusTooManyRequests, se.Status)
	assert.Equal(t, "You are being rate limited.", se.Message)
	assert.True(t, history.IsRetryable(err))

	plain := errors.New("dial tcp: timeout")
	assert.Equal(t, plain, statusError(plain))
}

func TestPublishMessage(t *testing.T) {
	api := &fakeAPI{channels: map[string]*discordgo.Channel{
		"t1": {ID: "t1", ParentID: "c1", Type: discordgo.ChannelTypeGuildPublicThread},
		"c2": {ID: "c2", Type: discordgo.ChannelTypeGuildText},
	}}
	c, rec := newTestChannel(api)

	author := &discordgo.User{ID: "u1", Username: "ann"}
	c.publishMessage(&discordgo.Message{ID: "m0", ChannelID: "c2", Content: "just chatting", Author: author})
	assert.Empty(t, rec.in, "messages that neither mention nor reply to the bot are dropped")

	c.publishMessage(&discordgo.Message{
		ID:        "m1",
		ChannelID: "t1",
		GuildID:   "g1",
		Content:   "<@bot> hello",
		Author:    author,
		Member:    &discordgo.Member{Nick: "Annie"},
		Mentions:  []*discordgo.User{{ID: "bot"}},
		Attachments: []*discordgo.MessageAttachment{
			{URL: "https://cdn/x.png", Filename: "x.png", ContentType: "image/png"},
		},
	})
	require.Len(t, rec.in, 1)
	in := rec.in[0]
	assert.Equal(t, "t1", in.ChatID)
	assert.Equal(t, "u1", in.SenderID)
	assert.Equal(t, []string{"https://cdn/x.png"}, in.Media)
	assert.Equal(t, "c1", in.Metadata[bus.MetaParentID])
	assert.Equal(t, "Annie", in.Metadata[bus.MetaDisplayName])
	assert.True(t, in.Flag(bus.MetaMentionsBot))
	assert.False(t, in.Flag(bus.MetaReplyToBot))

	c.publishMessage(&discordgo.Message{
		ID:                "m2",
		ChannelID:         "c2",
		Content:           "and?",
		Author:            author,
		ReferencedMessage: &discordgo.Message{ID: "m9", Author: &discordgo.User{ID: "bot"}},
	})
	require.Len(t, rec.in, 2)
	assert.True(t, rec.in[1].Flag(bus.MetaReplyToBot))
	assert.Empty(t, rec.in[1].Metadata[bus.MetaParentID])
}

func TestPublishInteraction(t *testing.T) {
	api := &fakeAPI{channels: map[string]*discordgo.Channel{"c1": {ID: "c1"}}}
	c, rec := newTestChannel(api)

	c.publishInteraction(&discordgo.Interaction{
		ID:        "i1",
		Type:      discordgo.InteractionApplicationCommand,
		ChannelID: "c1",
		GuildID:   "g1",
		Member:    &discordgo.Member{User: &discordgo.User{ID: "u1", GlobalName: "Ann"}},
		Data: discordgo.ApplicationCommandInteractionData{
			Name: SummaryCommand,
			Options: []*discordgo.ApplicationCommandInteractionDataOption{
				{Name: optionURL, Type: discordgo.ApplicationCommandOptionString, Value: "https://discord.com/channels/1/2/3"},
				{Name: optionCount, Type: discordgo.ApplicationCommandOptionInteger, Value: float64(50)},
			},
		},
	})

	require.Len(t, api.responds, 1)
	assert.Equal(t, discordgo.InteractionResponseDeferredChannelMessageWithSource, api.responds[0].Type)
	assert.Equal(t, discordgo.MessageFlagsEphemeral, api.responds[0].Data.Flags)

	require.Len(t, rec.in, 1)
	in := rec.in[0]
	assert.Equal(t, "/summary https://discord.com/channels/1/2/3 50", in.Content)
	assert.Equal(t, "u1", in.SenderID)
	assert.Equal(t, "i1", in.Metadata[bus.MetaInteractionID])
	assert.NotEmpty(t, in.Metadata[bus.MetaRequestID])

	_, stored := c.interactions.Get("i1")
	assert.True(t, stored)
}

func TestToHistoryMessageNotesFiles(t *testing.T) {
	msg := toHistoryMessage(&discordgo.Message{
		ID:      "m1",
		Content: "see file",
		Author:  &discordgo.User{ID: "u1", Username: "ann"},
		Attachments: []*discordgo.MessageAttachment{
			{URL: "https://cdn/a.pdf", Filename: "a.pdf", ContentType: "application/pdf"},
		},
		MessageReference: &discordgo.MessageReference{MessageID: "m0"},
	})
	assert.Equal(t, "see file\n[attachment: a.pdf]", msg.Content)
	assert.Empty(t, msg.Attachments)
	assert.Equal(t, "m0", msg.ReplyTo)
}

func TestToHistoryMessageQuotesForwards(t *testing.T) {
	msg := toHistoryMessage(&discordgo.Message{
		ID:               "m2",
		Content:          "look at this",
		Author:           &discordgo.User{ID: "u1", Username: "ann"},
		MessageReference: &discordgo.MessageReference{Type: discordgo.MessageReferenceTypeForward, MessageID: "x9"},
		MessageSnapshots: []discordgo.MessageSnapshot{
			{Message: &discordgo.Message{
				Content: "original text",
				Attachments: []*discordgo.MessageAttachment{
					{URL: "https://cdn/cat.png", Filename: "cat.png", ContentType: "image/png"},
				},
			}},
			{Message: nil},
		},
	})
	assert.Equal(t, "look at this\n ↳ [Forwarded]: \"original text\"", msg.Content)
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "https://cdn/cat.png", msg.Attachments[0].URL)
	assert.Empty(t, msg.ReplyTo, "a forward is not a reply")

	bare := toHistoryMessage(&discordgo.Message{
		ID:               "m3",
		MessageSnapshots: []discordgo.MessageSnapshot{{Message: &discordgo.Message{Content: "only forward"}}},
	})
	assert.Equal(t, ` ↳ [Forwarded]: "only forward"`, bare.Content)
}

func TestSummaryCommandDef(t *testing.T) {
	def := summaryCommandDef(500)
	assert.Equal(t, SummaryCommand, def.Name)
	require.Len(t, def.Options, 3)
	assert.True(t, def.Options[0].Required)
	assert.Equal(t, 500.0, def.Options[1].MaxValue)
	assert.False(t, def.Options[2].Required)
}
