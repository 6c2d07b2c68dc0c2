package debatedragon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"
)

// startTestBot runs the bot with a mock discord session and the API on a
// random local port, and waits until it's ready. The bot is stopped when
// the test finishes, unless the test stops it first.
func startTestBot(t testing.TB) (*DebateDragon, *mockDiscordSession, chan error) {
	t.Helper()
	cfg := DefaultTestConfig(t)
	bot, err := New(cfg)
	require.NoError(t, err)

	session := newMockDiscordSession()
	bot.discord.session = session
	setLoggers(t, bot)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	bot.api.listener = ln

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	botErr := make(chan error, 1)
	go func() {
		botErr <- bot.Run(ctx)
	}()

	select {
	case <-bot.signalReady:
	case e := <-botErr:
		t.Fatalf("error starting bot: %v", e)
	case <-time.After(30 * time.Second):
		t.Fatal("timed out waiting for bot to start")
	}
	t.Cleanup(
		func() {
			select {
			case bot.signalStop <- struct{}{}:
			default:
			}
			select {
			case <-bot.eventShutdown:
			case <-time.After(30 * time.Second):
				t.Logf("timed out waiting for shutdown")
			}
			if bot.db != nil {
				if sqlDB, _ := bot.db.DB(); sqlDB != nil {
					_ = sqlDB.Close()
				}
			}
		},
	)
	return bot, session, botErr
}

func TestRun(t *testing.T) {
	bot, session, botErr := startTestBot(t)

	session.mu.Lock()
	assert.True(t, session.opened)
	assert.Equal(t, 6, session.handlers)
	assert.Equal(t, DefaultDiscordGatewayIntent, session.identify.Intents)
	session.mu.Unlock()

	require.NotNil(t, bot.notifier)
	require.NotNil(t, bot.detector)

	url := fmt.Sprintf("http://%s%s", bot.api.listener.Addr().String(), apiHealthCheck)
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var health healthCheckResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)

	bot.signalStop <- struct{}{}

	select {
	case err = <-botErr:
		assert.NoError(t, err)
	case <-time.After(30 * time.Second):
		t.Fatal("timed out waiting for Run to return")
	}

	session.mu.Lock()
	assert.True(t, session.closed)
	assert.Zero(t, session.handlers)
	session.mu.Unlock()
}

func TestRun_CancelContext(t *testing.T) {
	cfg := DefaultTestConfig(t)
	cfg.API.Enabled = false
	bot, err := New(cfg)
	require.NoError(t, err)
	session := newMockDiscordSession()
	bot.discord.session = session
	setLoggers(t, bot)
	t.Cleanup(
		func() {
			if bot.db != nil {
				if sqlDB, _ := bot.db.DB(); sqlDB != nil {
					_ = sqlDB.Close()
				}
			}
		},
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	botErr := make(chan error, 1)
	go func() {
		botErr <- bot.Run(ctx)
	}()

	select {
	case <-bot.signalReady:
	case e := <-botErr:
		t.Fatalf("error starting bot: %v", e)
	}
	cancel()

	select {
	case err = <-botErr:
		assert.NoError(t, err)
	case <-time.After(30 * time.Second):
		t.Fatal("timed out waiting for Run to return")
	}
	select {
	case <-bot.eventShutdown:
	default:
		t.Fatal("expected shutdown event")
	}
}

func TestRun_OpenError(t *testing.T) {
	cfg := DefaultTestConfig(t)
	bot, err := New(cfg)
	require.NoError(t, err)
	session := newMockDiscordSession()
	session.openErr = errors.New("websocket: bad handshake")
	bot.discord.session = session
	setLoggers(t, bot)
	t.Cleanup(
		func() {
			if bot.db != nil {
				if sqlDB, _ := bot.db.DB(); sqlDB != nil {
					_ = sqlDB.Close()
				}
			}
		},
	)

	err = bot.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, session.openErr)
	assert.Contains(t, err.Error(), "error connecting to discord")

	session.mu.Lock()
	defer session.mu.Unlock()
	assert.True(t, session.closed)
	assert.Zero(t, session.handlers)
}

func TestRun_InvalidConfig(t *testing.T) {
	cfg := DefaultTestConfig(t)
	cfg.Rambling.AuthorID = ""
	bot, err := New(cfg)
	require.NoError(t, err)
	bot.discord.session = newMockDiscordSession()

	err = bot.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AuthorID")
	assert.Nil(t, bot.db)
}

func TestInit(t *testing.T) {
	cfg := DefaultTestConfig(t)
	bot, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(
		func() {
			if bot.db != nil {
				if sqlDB, _ := bot.db.DB(); sqlDB != nil {
					_ = sqlDB.Close()
				}
			}
		},
	)

	state, err := bot.Init(context.Background())
	require.NoError(t, err)
	assert.NotZero(t, state.ID)
	assert.Equal(t, 0, state.Counter)

	again, err := bot.Init(context.Background())
	require.NoError(t, err)
	assert.Equal(t, state.ID, again.ID)
}

func TestHandleDiscordMessage(t *testing.T) {
	bot, session := newTestBot(t)
	ctx := context.Background()

	ts := time.Date(2024, 3, 9, 10, 10, 0, 0, time.UTC)
	var triggering *discordgo.MessageCreate
	for i := 0; i < 6; i++ {
		m := newDiscordMessage(
			testAuthorID,
			testGuildID,
			ts.Add(time.Duration(i)*time.Minute),
			fmt.Sprintf("point number %d", i),
		)
		if i == 4 {
			triggering = m
		}
		bot.handleDiscordMessage(ctx, m)

		// other authors and guilds are ignored
		bot.handleDiscordMessage(ctx, newDiscordMessage("someone-else", testGuildID, ts, "hi"))
		bot.handleDiscordMessage(ctx, newDiscordMessage(testAuthorID, "other-guild", ts, "hi"))
	}

	messages := session.Messages()
	require.Len(t, messages, 1)
	sent := messages[0]
	assert.Equal(t, testChannelID, sent.ChannelID)
	assert.True(
		t,
		strings.HasPrefix(
			sent.Message.Content,
			"<@"+testAuthorID+"> is rambling again! That's 4 messages in a row.",
		),
	)
	assert.Contains(t, sent.Message.Content, messageLink(triggering.Message))
	assert.Contains(t, sent.Message.Content, "> point number 4")

	assert.Equal(t, float64(5), testutil.ToFloat64(bot.metrics.ramblingDecisions.WithLabelValues("increment")))
	assert.Equal(t, float64(1), testutil.ToFloat64(bot.metrics.ramblingDecisions.WithLabelValues("notify")))
	assert.Equal(t, float64(12), testutil.ToFloat64(bot.metrics.ramblingDecisions.WithLabelValues("ignore")))
	assert.Equal(t, float64(1), testutil.ToFloat64(bot.metrics.notifications.WithLabelValues("ok")))

	state, err := bot.detector.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, state.Counter)
	assert.Equal(t, formatTS(ts.Add(5*time.Minute)), state.PreviousNotificationTimeStamp)
}

func TestHandleDiscordMessage_DeliveryFailure(t *testing.T) {
	bot, session := newTestBot(t)
	bot.config.Rambling.MessageLimit = 0
	session.sendErr = errors.New("403 Missing Permissions")
	ctx := context.Background()

	ts := time.Date(2024, 3, 9, 10, 10, 0, 0, time.UTC)
	bot.handleDiscordMessage(ctx, newDiscordMessage(testAuthorID, testGuildID, ts, "one"))
	bot.handleDiscordMessage(ctx, newDiscordMessage(testAuthorID, testGuildID, ts.Add(time.Minute), "two"))

	assert.Equal(t, float64(1), testutil.ToFloat64(bot.metrics.notifications.WithLabelValues("error")))

	// the state was reset even though the notification failed, and the
	// next message is handled normally
	state, err := bot.detector.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, state.Counter)
	assert.Empty(t, state.PreviousNotificationTimeStamp)

	session.mu.Lock()
	session.sendErr = nil
	session.mu.Unlock()

	bot.handleDiscordMessage(ctx, newDiscordMessage(testAuthorID, testGuildID, ts.Add(2*time.Minute), "three"))
	bot.handleDiscordMessage(ctx, newDiscordMessage(testAuthorID, testGuildID, ts.Add(3*time.Minute), "four"))
	assert.Len(t, session.Messages(), 1)
	assert.Equal(t, float64(1), testutil.ToFloat64(bot.metrics.notifications.WithLabelValues("ok")))
}

func TestHandleDiscordMessage_RateLimited(t *testing.T) {
	cfg := DefaultTestConfig(t)
	cfg.Rambling.MessageLimit = 0
	cfg.Rambling.NotifyInterval = DefaultRamblingNotifyInterval
	bot, session := newTestBotWithConfig(t, cfg)
	ctx := context.Background()

	ts := time.Date(2024, 3, 9, 10, 10, 0, 0, time.UTC)
	start := time.Now()
	for i := 0; i < 4; i++ {
		bot.handleDiscordMessage(
			ctx,
			newDiscordMessage(testAuthorID, testGuildID, ts.Add(time.Duration(i)*time.Minute), "again"),
		)
	}
	// the event loop isn't held up waiting for the limiter
	assert.Less(t, time.Since(start), DefaultRamblingNotifyInterval/2)

	assert.Len(t, session.Messages(), 1)
	assert.Equal(t, float64(2), testutil.ToFloat64(bot.metrics.ramblingDecisions.WithLabelValues("notify")))
	assert.Equal(t, float64(1), testutil.ToFloat64(bot.metrics.notifications.WithLabelValues("ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(bot.metrics.notifications.WithLabelValues("rate_limited")))
	assert.Equal(t, float64(0), testutil.ToFloat64(bot.metrics.notifications.WithLabelValues("error")))

	state, err := bot.detector.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, state.Counter)
}

func TestHandleDiscordMessage_PersistenceFailure(t *testing.T) {
	bot, session := newTestBot(t)
	sqlDB, err := bot.db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	ts := time.Date(2024, 3, 9, 10, 10, 0, 0, time.UTC)
	assert.NotPanics(
		t, func() {
			bot.handleDiscordMessage(
				context.Background(),
				newDiscordMessage(testAuthorID, testGuildID, ts, "hi"),
			)
		},
	)
	assert.Equal(t, float64(1), testutil.ToFloat64(bot.metrics.ramblingErrors))
	assert.Empty(t, session.Messages())
}

func TestHandleDiscordMessage_Malformed(t *testing.T) {
	bot, session := newTestBot(t)
	ctx := context.Background()

	assert.NotPanics(
		t, func() {
			bot.handleDiscordMessage(ctx, nil)
			bot.handleDiscordMessage(ctx, &discordgo.MessageCreate{})
			bot.handleDiscordMessage(ctx, &discordgo.MessageCreate{Message: &discordgo.Message{ID: "1"}})
		},
	)
	assert.Empty(t, session.Messages())
	assert.Equal(t, float64(0), testutil.ToFloat64(bot.metrics.ramblingDecisions.WithLabelValues("ignore")))

	// member user is used when there's no author
	m := newDiscordMessage(testAuthorID, testGuildID, time.Now(), "hi")
	m.Member = &discordgo.Member{User: m.Author}
	m.Author = nil
	bot.handleDiscordMessage(ctx, m)
	assert.Equal(t, float64(1), testutil.ToFloat64(bot.metrics.ramblingDecisions.WithLabelValues("increment")))
}
