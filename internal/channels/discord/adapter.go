// Package discord is the REST client for the one Discord channel Archivist
// archives and answers in.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/haasonsaas/archivist/internal/channels"
	"github.com/haasonsaas/archivist/internal/observability"
	"github.com/haasonsaas/archivist/pkg/models"
)

// MaxPageSize is the largest page the history endpoint serves.
const MaxPageSize = 100

// discordSession is the subset of *discordgo.Session the adapter uses, so
// tests can substitute a fake.
type discordSession interface {
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	InteractionResponseEdit(interaction *discordgo.Interaction, newresp *discordgo.WebhookEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
	FollowupMessageCreate(interaction *discordgo.Interaction, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ApplicationCommandBulkOverwrite(appID string, guildID string, commands []*discordgo.ApplicationCommand, options ...discordgo.RequestOption) ([]*discordgo.ApplicationCommand, error)
}

// Config holds configuration for the Discord adapter.
type Config struct {
	// Token is the bot token from the Discord Developer Portal (required).
	Token string

	// AppID is the application id. It is also the bot's user id, which is
	// what mentions reference.
	AppID string

	// RateLimit paces outbound calls (operations per second).
	RateLimit float64

	// RateBurst is the burst capacity for rate limiting.
	RateBurst int

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.Token == "" {
		return channels.ErrConfig("token is required", nil)
	}
	if c.AppID == "" {
		return channels.ErrConfig("app id is required", nil)
	}
	if c.RateLimit == 0 {
		c.RateLimit = 5
	}
	if c.RateBurst == 0 {
		c.RateBurst = 10
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Page is one page of channel history in chronological order.
type Page struct {
	Messages []*models.Message
	// HasMore is true when the provider returned a full page.
	HasMore bool
	// Malformed counts provider entries dropped because they could not be
	// converted.
	Malformed int
	// LastID is the newest id the provider returned, including dropped
	// entries. Pagination continues from here.
	LastID string
}

// Adapter talks to the Discord REST API.
type Adapter struct {
	config      Config
	session     discordSession
	rateLimiter *channels.RateLimiter
	metrics     *observability.Metrics
	logger      *slog.Logger
}

// NewAdapter creates a REST adapter authenticated as the bot.
func NewAdapter(config Config) (*Adapter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	session, err := discordgo.New("Bot " + config.Token)
	if err != nil {
		return nil, channels.ErrConfig("create discord session", err)
	}
	// Rate limits surface as errors; the next tick is the retry.
	session.ShouldRetryOnRateLimit = false
	return newAdapter(config, session), nil
}

func newAdapter(config Config, session discordSession) *Adapter {
	return &Adapter{
		config:      config,
		session:     session,
		rateLimiter: channels.NewRateLimiter(config.RateLimit, config.RateBurst),
		metrics:     config.Metrics,
		logger:      config.Logger.With("adapter", "discord"),
	}
}

// BotID returns the bot identity used for mention detection.
func (a *Adapter) BotID() string {
	return a.config.AppID
}

// FetchPage returns up to limit messages posted after afterID, oldest first.
// An empty afterID starts from the most recent page.
func (a *Adapter) FetchPage(ctx context.Context, channelID, afterID string, limit int) (*Page, error) {
	if channelID == "" {
		return nil, channels.ErrConfig("channel id is required", nil)
	}
	if limit <= 0 || limit > MaxPageSize {
		limit = MaxPageSize
	}
	if err := a.wait(ctx); err != nil {
		return nil, err
	}

	start := time.Now()
	raw, err := a.session.ChannelMessages(channelID, limit, "", afterID, "", discordgo.WithContext(ctx))
	a.metrics.RecordProviderCall("discord", "fetch_page", err, time.Since(start))
	if err != nil {
		return nil, classify("fetch channel history", err).
			WithContext("channel_id", channelID).
			WithContext("after", afterID)
	}

	page := &Page{
		Messages: make([]*models.Message, 0, len(raw)),
		HasMore:  len(raw) == limit,
	}
	for _, m := range raw {
		if m != nil {
			page.LastID = models.LaterID(page.LastID, m.ID)
		}
		msg, err := convertMessage(m, channelID)
		if err != nil {
			page.Malformed++
			a.logger.Warn("skipping malformed message", "channel_id", channelID, "error", err)
			continue
		}
		page.Messages = append(page.Messages, msg)
	}
	// The provider serves newest first.
	sort.SliceStable(page.Messages, func(i, j int) bool {
		return models.CompareIDs(page.Messages[i].ID, page.Messages[j].ID) < 0
	})
	return page, nil
}

// Reply posts content in channelID as a reply to messageID.
func (a *Adapter) Reply(ctx context.Context, channelID, messageID, content string) error {
	if err := a.wait(ctx); err != nil {
		return err
	}
	send := &discordgo.MessageSend{Content: content}
	if messageID != "" {
		send.Reference = &discordgo.MessageReference{MessageID: messageID, ChannelID: channelID}
	}
	start := time.Now()
	_, err := a.session.ChannelMessageSendComplex(channelID, send, discordgo.WithContext(ctx))
	a.metrics.RecordProviderCall("discord", "reply", err, time.Since(start))
	if err != nil {
		return classify("send reply", err).WithContext("channel_id", channelID).WithContext("message_id", messageID)
	}
	return nil
}

// EditOriginal replaces the deferred placeholder of an interaction.
func (a *Adapter) EditOriginal(ctx context.Context, appID, token, content string) error {
	if err := a.wait(ctx); err != nil {
		return err
	}
	start := time.Now()
	_, err := a.session.InteractionResponseEdit(a.interaction(appID, token), &discordgo.WebhookEdit{Content: &content}, discordgo.WithContext(ctx))
	a.metrics.RecordProviderCall("discord", "edit_original", err, time.Since(start))
	if err != nil {
		return classify("edit interaction response", err)
	}
	return nil
}

// FollowUp posts an additional message on an interaction token.
func (a *Adapter) FollowUp(ctx context.Context, appID, token, content string) error {
	if err := a.wait(ctx); err != nil {
		return err
	}
	start := time.Now()
	_, err := a.session.FollowupMessageCreate(a.interaction(appID, token), true, &discordgo.WebhookParams{Content: content}, discordgo.WithContext(ctx))
	a.metrics.RecordProviderCall("discord", "follow_up", err, time.Since(start))
	if err != nil {
		return classify("create follow-up", err)
	}
	return nil
}

// RegisterCommands replaces the application's slash commands. An empty
// guildID registers them globally.
func (a *Adapter) RegisterCommands(ctx context.Context, guildID string, commands []*discordgo.ApplicationCommand) ([]*discordgo.ApplicationCommand, error) {
	registered, err := a.session.ApplicationCommandBulkOverwrite(a.config.AppID, guildID, commands, discordgo.WithContext(ctx))
	if err != nil {
		return nil, classify("register commands", err)
	}
	a.logger.Info("registered slash commands", "count", len(registered), "guild_id", guildID)
	return registered, nil
}

func (a *Adapter) interaction(appID, token string) *discordgo.Interaction {
	if appID == "" {
		appID = a.config.AppID
	}
	return &discordgo.Interaction{AppID: appID, Token: token}
}

func (a *Adapter) wait(ctx context.Context) error {
	if err := a.rateLimiter.Wait(ctx); err != nil {
		return channels.ErrTimeout("rate limit wait cancelled", err)
	}
	return nil
}

// classify maps discordgo failures onto the channel error taxonomy.
func classify(message string, err error) *channels.Error {
	var rateErr *discordgo.RateLimitError
	if errors.As(err, &rateErr) {
		return channels.ErrRateLimit(message, err)
	}
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		return channels.FromStatus(restErr.Response.StatusCode, message, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return channels.ErrTimeout(message, err)
	}
	return channels.ErrConnection(message, err)
}

// convertMessage maps a provider message onto the archive model.
func convertMessage(m *discordgo.Message, channelID string) (*models.Message, error) {
	if m == nil {
		return nil, channels.ErrMalformed("nil message", nil)
	}
	if m.ID == "" {
		return nil, channels.ErrMalformed("message without id", nil)
	}
	if m.Author == nil || m.Author.ID == "" {
		return nil, channels.ErrMalformed(fmt.Sprintf("message %s has no author", m.ID), nil)
	}

	msg := &models.Message{
		ID:                m.ID,
		ChannelID:         m.ChannelID,
		AuthorID:          m.Author.ID,
		AuthorDisplayName: displayName(m),
		Content:           m.Content,
		CreatedAt:         m.Timestamp,
	}
	if msg.ChannelID == "" {
		msg.ChannelID = channelID
	}
	if msg.CreatedAt.IsZero() {
		if ts, err := discordgo.SnowflakeTimestamp(m.ID); err == nil {
			msg.CreatedAt = ts
		}
	}
	if len(m.Mentions) > 0 {
		msg.Mentions = make([]string, 0, len(m.Mentions))
		for _, u := range m.Mentions {
			if u != nil {
				msg.Mentions = append(msg.Mentions, u.ID)
			}
		}
	}
	return msg, nil
}

func displayName(m *discordgo.Message) string {
	if m.Member != nil && strings.TrimSpace(m.Member.Nick) != "" {
		return m.Member.Nick
	}
	if strings.TrimSpace(m.Author.GlobalName) != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}
