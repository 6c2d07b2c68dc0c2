package debatedragon

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

// runTestCommand sends a slash command interaction from u through
// handleInteraction, and returns the responses sent back.
func runTestCommand(
	t testing.TB,
	bot *DebateDragon,
	u *discordgo.User,
	commandName string,
) []*discordgo.InteractionResponse {
	t.Helper()
	handler := newStubInteractionHandler(t, newDiscordInteraction(t, u, commandName))
	bot.handleInteraction(context.Background(), handler)
	return handler.Responses()
}

func requireSingleResponse(
	t testing.TB,
	responses []*discordgo.InteractionResponse,
) *discordgo.InteractionResponseData {
	t.Helper()
	require.Len(t, responses, 1)
	require.Equal(t, discordgo.InteractionResponseChannelMessageWithSource, responses[0].Type)
	require.NotNil(t, responses[0].Data)
	return responses[0].Data
}

func TestCommandDefinitions(t *testing.T) {
	t.Parallel()
	defs := commandDefinitions()
	require.Len(t, defs, len(commandTable))

	for i, def := range defs {
		assert.NotEmpty(t, def.Description, def.Name)
		assert.Equal(t, discordgo.ChatApplicationCommand, def.Type, def.Name)
		if i > 0 {
			assert.Less(t, defs[i-1].Name, def.Name)
		}
		handler, err := lookupCommand(def.Name)
		require.NoError(t, err)
		assert.NotNil(t, handler)
	}

	_, err := lookupCommand("chat")
	assert.ErrorIs(t, err, ErrUnhandledCommand)
}

func TestPingCommand(t *testing.T) {
	bot, _ := newTestBot(t)

	data := requireSingleResponse(t, runTestCommand(t, bot, newDiscordUser(t), DiscordSlashCommandPing))
	assert.Equal(t, "Pong!", data.Content)
	assert.Zero(t, data.Flags&discordgo.MessageFlagsEphemeral)

	assert.Equal(
		t,
		float64(1),
		testutil.ToFloat64(bot.metrics.commands.WithLabelValues(DiscordSlashCommandPing, "ok")),
	)
}

func TestRamblesCommand(t *testing.T) {
	bot, _ := newTestBot(t)
	u := newDiscordUser(t)

	data := requireSingleResponse(t, runTestCommand(t, bot, u, DiscordSlashCommandRambles))
	assert.Equal(t, discordgo.MessageFlagsEphemeral, data.Flags)
	assert.Equal(
		t,
		"Watching <@"+testAuthorID+">\n"+
			"Counter: 0 / 3\n"+
			"Last counted message: never\n"+
			"Window: 5m0s (minute_of_hour)",
		data.Content,
	)

	ts := time.Date(2024, 3, 9, 10, 10, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		bot.handleDiscordMessage(
			context.Background(),
			newDiscordMessage(testAuthorID, testGuildID, ts.Add(time.Duration(i)*time.Minute), "hm"),
		)
	}

	data = requireSingleResponse(t, runTestCommand(t, bot, u, DiscordSlashCommandRambles))
	assert.Contains(t, data.Content, "Counter: 2 / 3")
	assert.Contains(
		t,
		data.Content,
		fmt.Sprintf("Last counted message: <t:%d:R>", ts.Add(2*time.Minute).Unix()),
	)
}

func TestSubscribeCommands(t *testing.T) {
	bot, _ := newTestBot(t)
	u := newDiscordUser(t)
	ctx := context.Background()

	data := requireSingleResponse(t, runTestCommand(t, bot, u, DiscordSlashCommandSubscribe))
	assert.Equal(t, discordgo.MessageFlagsEphemeral, data.Flags)
	assert.Contains(t, data.Content, "Subscribed!")

	subs, err := bot.subscribers.List(ctx)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, u.ID, subs[0].UserID)
	assert.Equal(t, u.Username, subs[0].Username)
	assert.Equal(t, testGuildID, subs[0].GuildID)

	data = requireSingleResponse(t, runTestCommand(t, bot, u, DiscordSlashCommandSubscribe))
	assert.Equal(t, "You're already subscribed.", data.Content)

	ids, err := bot.subscribers.UserIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{u.ID}, ids)

	data = requireSingleResponse(t, runTestCommand(t, bot, u, DiscordSlashCommandUnsubscribe))
	assert.Equal(t, "Unsubscribed.", data.Content)

	data = requireSingleResponse(t, runTestCommand(t, bot, u, DiscordSlashCommandUnsubscribe))
	assert.Equal(t, "You weren't subscribed.", data.Content)

	subs, err = bot.subscribers.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestSubscribedUsersAreMentioned(t *testing.T) {
	bot, session := newTestBot(t)
	bot.config.Rambling.Subscribers = []string{"111"}
	u := newDiscordUser(t)

	requireSingleResponse(t, runTestCommand(t, bot, u, DiscordSlashCommandSubscribe))

	ts := time.Date(2024, 3, 9, 10, 10, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		bot.handleDiscordMessage(
			context.Background(),
			newDiscordMessage(testAuthorID, testGuildID, ts.Add(time.Duration(i)*time.Minute), "hm"),
		)
	}

	messages := session.Messages()
	require.Len(t, messages, 1)
	assert.Equal(t, []string{"111", u.ID}, messages[0].Message.AllowedMentions.Users)
	assert.Contains(t, messages[0].Message.Content, "cc: <@111> <@"+u.ID+">")
}
