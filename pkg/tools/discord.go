package tools

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/zhaopengme/threadclaw/pkg/logger"
)

const (
	MaxBlockDuration = 1440 * time.Minute
	blacklistSize    = 1024
)

// ProfileSource is the part of the Discord REST API the tool reads.
// *discordgo.Session satisfies it.
type ProfileSource interface {
	User(userID string, options ...discordgo.RequestOption) (*discordgo.User, error)
	GuildMember(guildID, userID string, options ...discordgo.RequestOption) (*discordgo.Member, error)
	GuildRoles(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Role, error)
}

// Blacklist silences users for a limited time.
type Blacklist struct {
	entries *expirable.LRU[string, time.Time]
	now     func() time.Time
}

func NewBlacklist(now func() time.Time) *Blacklist {
	if now == nil {
		now = time.Now
	}
	return &Blacklist{
		entries: expirable.NewLRU[string, time.Time](blacklistSize, nil, MaxBlockDuration),
		now:     now,
	}
}

func (b *Blacklist) Block(userID string, d time.Duration) time.Time {
	until := b.now().Add(d)
	b.entries.Add(userID, until)
	return until
}

func (b *Blacklist) IsBlocked(userID string) bool {
	until, ok := b.entries.Get(userID)
	if !ok {
		return false
	}
	if !b.now().Before(until) {
		b.entries.Remove(userID)
		return false
	}
	return true
}

// DiscordTool looks up user profiles and manages the chat blacklist.
type DiscordTool struct {
	api       ProfileSource
	guildID   string
	admins    map[string]bool
	blacklist *Blacklist
}

func NewDiscordTool(api ProfileSource, guildID string, adminIDs []string, blacklist *Blacklist) *DiscordTool {
	admins := make(map[string]bool, len(adminIDs))
	for _, id := range adminIDs {
		admins[id] = true
	}
	return &DiscordTool{api: api, guildID: guildID, admins: admins, blacklist: blacklist}
}

func (t *DiscordTool) Name() string { return "discord_tool" }

func (t *DiscordTool) Description() string {
	return "Discord operations. 'get_profile' returns a user's global profile and, when they are in the server, " +
		"their nickname, roles and join date. 'block_user' silences a user for up to 1440 minutes (Master only)."
}

func (t *DiscordTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"instruction": map[string]interface{}{
				"type":        "string",
				"enum":        []string{"get_profile", "block_user"},
				"description": "Operation to run",
			},
			"user_id": map[string]interface{}{
				"type":        "string",
				"description": "Target Discord user id (digits only)",
			},
			"duration": map[string]interface{}{
				"type":        "integer",
				"description": "Block duration in minutes, block_user only",
			},
		},
		"required": []string{"instruction", "user_id"},
	}
}

func (t *DiscordTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	instruction, _ := args["instruction"].(string)
	userID := fmt.Sprint(args["user_id"])
	if _, err := strconv.ParseUint(userID, 10, 64); err != nil {
		return ErrorResult("user_id must be a numeric string")
	}

	switch instruction {
	case "get_profile":
		return t.getProfile(ctx, userID)
	case "block_user":
		return t.blockUser(ctx, userID, intArg(args, "duration", 0))
	default:
		return ErrorResult(fmt.Sprintf("unknown instruction %q", instruction))
	}
}

func (t *DiscordTool) getProfile(ctx context.Context, userID string) *ToolResult {
	if t.api == nil {
		return ErrorResult("discord client not available")
	}
	user, err := t.api.User(userID, discordgo.WithContext(ctx))
	if err != nil {
		var restErr *discordgo.RESTError
		if errors.As(err, &restErr) && restErr.Response != nil && restErr.Response.StatusCode == http.StatusNotFound {
			return ErrorResult(fmt.Sprintf("user %s not found", userID))
		}
		return ErrorResult(fmt.Sprintf("fetching user: %v", err)).WithError(err)
	}

	global := map[string]any{
		"username":     user.Username,
		"global_name":  user.GlobalName,
		"id":           user.ID,
		"bot":          user.Bot,
		"avatar_url":   user.AvatarURL("1024"),
		"accent_color": user.AccentColor,
	}
	if user.Banner != "" {
		global["banner_url"] = user.BannerURL("1024")
	}
	profile := map[string]any{"global": global}

	guildID := t.guildID
	if cc, ok := CallContextFrom(ctx); ok && cc.GuildID != "" {
		guildID = cc.GuildID
	}
	if guildID == "" {
		return JSONResult(profile)
	}

	member, err := t.api.GuildMember(guildID, userID, discordgo.WithContext(ctx))
	if err != nil {
		logger.DebugCF("tool.discord", "Member lookup failed", map[string]any{
			"guild_id": guildID,
			"user_id":  userID,
			"error":    err.Error(),
		})
		profile["server"] = fmt.Sprintf("user is not a member of guild %s", guildID)
		return JSONResult(profile)
	}

	server := map[string]any{
		"nickname":  member.Nick,
		"joined_at": member.JoinedAt.Format(time.RFC3339),
		"roles":     t.roleNames(ctx, guildID, member.Roles),
	}
	if member.Avatar != "" {
		server["server_avatar_url"] = member.AvatarURL("1024")
	}
	profile["server"] = server
	return JSONResult(profile)
}

func (t *DiscordTool) roleNames(ctx context.Context, guildID string, ids []string) []string {
	roles, err := t.api.GuildRoles(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return ids
	}
	byID := make(map[string]string, len(roles))
	for _, r := range roles {
		byID[r.ID] = r.Name
	}
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		if name, ok := byID[id]; ok && name != "@everyone" {
			names = append(names, name)
		}
	}
	return names
}

func (t *DiscordTool) blockUser(ctx context.Context, userID string, minutes int) *ToolResult {
	if t.blacklist == nil {
		return ErrorResult("blacklist not available")
	}
	if cc, ok := CallContextFrom(ctx); ok && !t.admins[cc.UserID] {
		return ErrorResult("block_user may only be requested by a Master")
	}
	if minutes <= 0 {
		return ErrorResult("duration must be greater than 0 minutes")
	}
	if t.admins[userID] {
		return ErrorResult("cannot block a Master")
	}

	d := min(time.Duration(minutes)*time.Minute, MaxBlockDuration)
	until := t.blacklist.Block(userID, d)
	logger.InfoCF("tool.discord", "User blocked", map[string]any{
		"user_id": userID,
		"minutes": int(d / time.Minute),
	})
	return JSONResult(map[string]any{
		"blocked": userID,
		"minutes": int(d / time.Minute),
		"until":   until.Format(time.RFC3339),
	})
}
