package debatedragon

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
	"log/slog"
	"net/http"
	"strings"
	"unicode/utf8"
)

const (
	// discordMessageMaxLength is the most characters discord accepts in a
	// message's content
	discordMessageMaxLength = 2000

	// notificationMaxMentions is the most users discord accepts in
	// [discordgo.MessageAllowedMentions.Users]
	notificationMaxMentions = 100

	// notificationQuoteMaxLength caps how much of the triggering message is
	// quoted, before the remaining message length is considered.
	notificationQuoteMaxLength = 1000

	notificationFormat = "%s is rambling again! That's %d messages in a row."
)

var (
	errChannelNotFound = errors.New("notification channel not found")

	// errNotificationRateLimited is returned (wrapped in
	// [ErrDeliveryFailure]) when a notification is skipped because the
	// previous one was sent less than [RamblingConfig.NotifyInterval] ago
	errNotificationRateLimited = errors.New("notification rate limited")
)

// RamblingNotification is sent when the detector returns [RamblingNotify]
type RamblingNotification struct {
	// Message is the message that pushed the counter over the limit
	Message *discordgo.Message

	// Counter is the count that fired
	Counter int
}

// subscriberLister returns the user IDs of opted-in subscribers
type subscriberLister func(ctx context.Context) ([]string, error)

// Notifier posts rambling notifications to the configured channel.
type Notifier struct {
	session     DiscordSessionHandler
	config      *RamblingConfig
	subscribers subscriberLister
	channels    *cache.Cache
	limiter     *rate.Limiter
	logger      *slog.Logger
}

func newNotifier(
	session DiscordSessionHandler,
	config *RamblingConfig,
	subscribers subscriberLister,
	logger *slog.Logger,
) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if config.NotifyInterval > 0 {
		limit = rate.Every(config.NotifyInterval)
	}
	return &Notifier{
		session:     session,
		config:      config,
		subscribers: subscribers,
		channels:    cache.New(config.ChannelCacheTTL, 2*config.ChannelCacheTTL),
		limiter:     rate.NewLimiter(limit, 1),
		logger:      logger.With(loggerNameKey, "notifier"),
	}
}

// Notify sends a single notification message. Failures are returned
// wrapped in [ErrDeliveryFailure] and aren't retried. Notify never waits
// on the rate limiter: a notification that comes too soon after the
// previous one is skipped, and [errNotificationRateLimited] is returned.
func (n *Notifier) Notify(ctx context.Context, notification RamblingNotification) error {
	if !n.limiter.Allow() {
		return wrapErr(ErrDeliveryFailure, errNotificationRateLimited)
	}

	channelID, err := n.channelID()
	if err != nil {
		return wrapErr(ErrDeliveryFailure, err)
	}

	content, mentions := notificationContent(notification, n.mentionIDs(ctx))
	msg := &discordgo.MessageSend{
		Content: content,
		AllowedMentions: &discordgo.MessageAllowedMentions{
			Users: mentions,
		},
	}

	_, err = n.session.ChannelMessageSendComplex(
		channelID,
		msg,
		discordgo.WithContext(ctx),
		discordgo.WithRetryOnRatelimit(false),
		discordgo.WithRestRetries(0),
	)
	if err != nil {
		var restErr *discordgo.RESTError
		if errors.As(err, &restErr) && restErr.Response != nil &&
			restErr.Response.StatusCode == http.StatusNotFound {
			// channel was deleted or recreated since it was cached
			n.channels.Delete(n.channelCacheKey())
		}
		return wrapErr(ErrDeliveryFailure, err)
	}

	n.logger.InfoContext(
		ctx,
		"sent rambling notification",
		"channel_id", channelID,
		"counter", notification.Counter,
		"mentions", len(mentions),
	)
	return nil
}

func (n *Notifier) channelCacheKey() string {
	return n.config.GuildID + "/" + n.config.ChannelName
}

// channelID resolves [RamblingConfig.ChannelName] to a text channel ID in
// the monitored guild, using the cached value if there is one.
func (n *Notifier) channelID() (string, error) {
	key := n.channelCacheKey()
	if v, ok := n.channels.Get(key); ok {
		return v.(string), nil
	}

	channels, err := n.session.GuildChannels(n.config.GuildID)
	if err != nil {
		return "", fmt.Errorf("error listing guild channels: %w", err)
	}
	for _, ch := range channels {
		if ch.Type == discordgo.ChannelTypeGuildText && ch.Name == n.config.ChannelName {
			n.channels.SetDefault(key, ch.ID)
			return ch.ID, nil
		}
	}
	return "", fmt.Errorf("%w: %q in guild %s", errChannelNotFound, n.config.ChannelName, n.config.GuildID)
}

// mentionIDs returns the configured subscribers followed by the opted-in
// ones, without duplicates. A failure to load opted-in subscribers is
// logged, and only the configured ones are mentioned.
func (n *Notifier) mentionIDs(ctx context.Context) []string {
	ids := make([]string, 0, len(n.config.Subscribers))
	seen := map[string]bool{}
	add := func(id string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		ids = append(ids, id)
	}
	for _, id := range n.config.Subscribers {
		add(id)
	}
	if n.subscribers == nil {
		return ids
	}
	subscribed, err := n.subscribers(ctx)
	if err != nil {
		n.logger.WarnContext(ctx, "error loading subscribers", tint.Err(err))
		return ids
	}
	for _, id := range subscribed {
		add(id)
	}
	return ids
}

// notificationContent builds the notification text: who is rambling, how
// much, a link to and quote of the triggering message, and mentions.
// The result fits in a single discord message. Mentions that don't fit are
// dropped, then the quote is shortened to what's left. The returned IDs
// are the mentions actually included.
func notificationContent(n RamblingNotification, mentions []string) (string, []string) {
	var header strings.Builder

	author := "Someone"
	if u := messageAuthor(n.Message); u != nil {
		author = userMention(u.ID)
	}
	header.WriteString(fmt.Sprintf(notificationFormat, author, n.Counter))
	if n.Message != nil && n.Message.ID != "" {
		header.WriteString("\n")
		header.WriteString(messageLink(n.Message))
	}
	remaining := discordMessageMaxLength - utf8.RuneCountInString(header.String())

	if len(mentions) > notificationMaxMentions {
		mentions = mentions[:notificationMaxMentions]
	}
	var cc strings.Builder
	included := make([]string, 0, len(mentions))
	for _, id := range mentions {
		part := " " + userMention(id)
		if cc.Len() == 0 {
			part = "\ncc:" + part
		}
		if utf8.RuneCountInString(cc.String())+utf8.RuneCountInString(part) > remaining {
			break
		}
		cc.WriteString(part)
		included = append(included, id)
	}
	remaining -= utf8.RuneCountInString(cc.String())

	var quote strings.Builder
	if n.Message != nil {
		content := truncate(strings.TrimSpace(n.Message.Content), notificationQuoteMaxLength)
		if content != "" {
			for _, line := range strings.Split(content, "\n") {
				part := "\n> " + line
				size := utf8.RuneCountInString(part)
				if size > remaining {
					if remaining > len("\n> ") {
						quote.WriteString(truncate(part, remaining))
					}
					break
				}
				quote.WriteString(part)
				remaining -= size
			}
		}
	}

	return header.String() + quote.String() + cc.String(), included
}
