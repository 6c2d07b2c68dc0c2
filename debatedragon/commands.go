package debatedragon

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"sort"
	"strings"
	"time"
)

const (
	DiscordSlashCommandPing        = "ping"
	DiscordSlashCommandRambles     = "rambles"
	DiscordSlashCommandSubscribe   = "subscribe"
	DiscordSlashCommandUnsubscribe = "unsubscribe"
)

// commandHandlerFunc executes a slash command, returning the response to
// send. A returned error is reported back to the user as an ephemeral
// message.
type commandHandlerFunc func(
	ctx context.Context,
	d *DebateDragon,
	i *discordgo.InteractionCreate,
) (*discordgo.InteractionResponse, error)

type slashCommand struct {
	definition *discordgo.ApplicationCommand
	handler    commandHandlerFunc
}

// commandTable holds every slash command the bot registers and handles.
var commandTable = map[string]slashCommand{
	DiscordSlashCommandPing: {
		definition: &discordgo.ApplicationCommand{
			Name:        DiscordSlashCommandPing,
			Type:        discordgo.ChatApplicationCommand,
			Description: "Replies with Pong!",
		},
		handler: pingCommand,
	},
	DiscordSlashCommandRambles: {
		definition: &discordgo.ApplicationCommand{
			Name:        DiscordSlashCommandRambles,
			Type:        discordgo.ChatApplicationCommand,
			Description: "Shows the current rambling counter",
		},
		handler: ramblesCommand,
	},
	DiscordSlashCommandSubscribe: {
		definition: &discordgo.ApplicationCommand{
			Name:        DiscordSlashCommandSubscribe,
			Type:        discordgo.ChatApplicationCommand,
			Description: "Get mentioned when a rambling notification is sent",
		},
		handler: subscribeCommand,
	},
	DiscordSlashCommandUnsubscribe: {
		definition: &discordgo.ApplicationCommand{
			Name:        DiscordSlashCommandUnsubscribe,
			Type:        discordgo.ChatApplicationCommand,
			Description: "Stop getting mentioned in rambling notifications",
		},
		handler: unsubscribeCommand,
	},
}

// commandDefinitions returns the definitions from [commandTable], sorted
// by name so registration payloads are stable.
func commandDefinitions() []*discordgo.ApplicationCommand {
	names := make([]string, 0, len(commandTable))
	for name := range commandTable {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]*discordgo.ApplicationCommand, 0, len(names))
	for _, name := range names {
		defs = append(defs, commandTable[name].definition)
	}
	return defs
}

// lookupCommand returns the handler for the named command, or an error
// wrapping [ErrUnhandledCommand].
func lookupCommand(name string) (commandHandlerFunc, error) {
	cmd, ok := commandTable[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnhandledCommand, name)
	}
	return cmd.handler, nil
}

func messageResponse(content string) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
		},
	}
}

func ephemeralResponse(content string) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	}
}

func pingCommand(
	_ context.Context,
	_ *DebateDragon,
	_ *discordgo.InteractionCreate,
) (*discordgo.InteractionResponse, error) {
	return messageResponse("Pong!"), nil
}

func ramblesCommand(
	ctx context.Context,
	d *DebateDragon,
	_ *discordgo.InteractionCreate,
) (*discordgo.InteractionResponse, error) {
	state, err := d.detector.State(ctx)
	if err != nil {
		return nil, err
	}
	cfg := d.config.Rambling

	last := "never"
	if ts, ok := state.previousTimestamp(); ok {
		last = fmt.Sprintf("<t:%d:R>", ts.Unix())
	}

	lines := []string{
		fmt.Sprintf("Watching %s", userMention(cfg.AuthorID)),
		fmt.Sprintf("Counter: %d / %d", state.Counter, cfg.MessageLimit),
		fmt.Sprintf("Last counted message: %s", last),
		fmt.Sprintf(
			"Window: %s (%s)",
			(time.Duration(cfg.WindowMinutes) * time.Minute).String(),
			cfg.WindowMode,
		),
	}
	return ephemeralResponse(strings.Join(lines, "\n")), nil
}

func subscribeCommand(
	ctx context.Context,
	d *DebateDragon,
	i *discordgo.InteractionCreate,
) (*discordgo.InteractionResponse, error) {
	u := getDiscordUser(i)
	if u == nil {
		return nil, errors.New("couldn't find the user for this interaction")
	}
	created, err := d.subscribers.Add(
		ctx, &Subscriber{
			UserID:   u.ID,
			GuildID:  i.GuildID,
			Username: u.Username,
		},
	)
	if err != nil {
		return nil, err
	}
	if !created {
		return ephemeralResponse("You're already subscribed."), nil
	}
	return ephemeralResponse("Subscribed! You'll be mentioned in the next rambling notification."), nil
}

func unsubscribeCommand(
	ctx context.Context,
	d *DebateDragon,
	i *discordgo.InteractionCreate,
) (*discordgo.InteractionResponse, error) {
	u := getDiscordUser(i)
	if u == nil {
		return nil, errors.New("couldn't find the user for this interaction")
	}
	removed, err := d.subscribers.Remove(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	if !removed {
		return ephemeralResponse("You weren't subscribed."), nil
	}
	return ephemeralResponse("Unsubscribed."), nil
}
