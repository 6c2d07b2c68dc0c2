package debatedragon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"runtime/debug"
)

const commandErrorFormat = "Sorry, something went wrong: %s"

//nolint:lll // struct tags can't be split
type InteractionLog struct {
	ModelUintID
	InteractionID string `json:"interaction_id" gorm:"not null"`
	Type          string `json:"type" gorm:"type:string"`
	CommandName   string `json:"command_name" gorm:"type:string"`
	UserID        string `json:"user_id" gorm:"not null"`
	Username      string `json:"username" gorm:"type:string"`
	AppID         string `json:"application_id" gorm:"type:string"`
	GuildID       string `json:"guild_id" gorm:"type:string"`
	ChannelID     string `json:"channel_id" gorm:"type:string"`
	Payload       string `json:"payload" gorm:"type:string"`
	Error         string `json:"error" gorm:"type:string"`
	CreatedAt     int64  `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
}

func newInteractionLog(
	i *discordgo.InteractionCreate,
	u *discordgo.User,
) (*InteractionLog, error) {
	p, err := json.Marshal(i)
	if err != nil {
		return nil, fmt.Errorf("error marshaling interaction: %w", err)
	}

	interactionLog := &InteractionLog{
		InteractionID: i.ID,
		Type:          i.Type.String(),
		UserID:        u.ID,
		Username:      u.String(),
		AppID:         i.AppID,
		GuildID:       i.GuildID,
		ChannelID:     i.ChannelID,
		Payload:       string(p),
	}
	if i.Type == discordgo.InteractionApplicationCommand {
		interactionLog.CommandName = i.ApplicationCommandData().Name
	}
	return interactionLog, nil
}

// InteractionHandler responds to a single discord interaction. It exists
// so command handling can be tested without a gateway connection.
type InteractionHandler interface {
	// Respond sends the response to the interaction
	Respond(ctx context.Context, i *discordgo.InteractionResponse) error

	// GetInteraction returns the original InteractionCreate event.
	GetInteraction() *discordgo.InteractionCreate

	// Logger returns the logger associated with this handler.
	Logger() *slog.Logger
}

// GatewayHandler implements [InteractionHandler] for interactions
// received via the discord websocket gateway.
type GatewayHandler struct {
	session     DiscordSessionHandler
	interaction *discordgo.InteractionCreate
	logger      *slog.Logger
}

func (w GatewayHandler) Respond(
	ctx context.Context,
	response *discordgo.InteractionResponse,
) error {
	err := w.session.InteractionRespond(w.interaction.Interaction, response)
	if err != nil {
		w.logger.ErrorContext(ctx, "error responding to interaction", tint.Err(err))
	} else {
		w.logger.InfoContext(ctx, "responded to interaction")
	}
	return err
}

func (w GatewayHandler) GetInteraction() *discordgo.InteractionCreate {
	return w.interaction
}

func (w GatewayHandler) Logger() *slog.Logger {
	return w.logger
}

// handleInteraction logs the interaction, then runs the matching command
// from [commandTable]. Unknown commands are logged and ignored. Command
// errors are sent back to the user as an ephemeral message.
func (d *DebateDragon) handleInteraction(
	ctx context.Context,
	handler InteractionHandler,
) {
	i := handler.GetInteraction()
	logger := handler.Logger()

	discordUser := getDiscordUser(i)
	if discordUser == nil {
		logger.ErrorContext(
			ctx,
			"no user found in interaction",
			"interaction", structToSlogValue(i),
		)
		return
	}

	logger = logger.With(slog.Group("interaction", interactionLogAttrs(*i)...))
	ctx = WithLogger(ctx, logger)
	logger.InfoContext(ctx, "received new interaction", "user", structToSlogValue(discordUser))

	if discordUser.Bot {
		logger.WarnContext(ctx, "user is bot, ignoring", "user", discordUser)
		return
	}

	interactionLog, err := newInteractionLog(i, discordUser)
	if err != nil {
		logger.ErrorContext(ctx, "error marshaling interaction", tint.Err(err))
	}
	defer func() {
		if interactionLog == nil {
			return
		}
		if _, createErr := d.writeDB.Create(ctx, interactionLog); createErr != nil {
			logger.ErrorContext(ctx, "error logging interaction", tint.Err(createErr))
		}
	}()

	switch i.Type {
	case discordgo.InteractionPing:
		_ = handler.Respond(
			ctx, &discordgo.InteractionResponse{
				Type: discordgo.InteractionResponsePong,
			},
		)
	case discordgo.InteractionApplicationCommand:
		commandName := i.ApplicationCommandData().Name
		cmdErr := d.runCommand(ctx, handler, commandName)
		switch {
		case errors.Is(cmdErr, ErrUnhandledCommand):
			logger.DebugContext(ctx, "ignoring interaction", tint.Err(cmdErr))
			return
		case cmdErr != nil:
			logger.ErrorContext(
				ctx,
				"error executing command",
				tint.Err(cmdErr),
				"command", commandName,
			)
		}
		d.metrics.commands.WithLabelValues(commandName, resultLabel(cmdErr)).Inc()
		if interactionLog != nil && cmdErr != nil {
			interactionLog.Error = cmdErr.Error()
		}
	default:
		logger.DebugContext(ctx, "ignoring interaction type", "type", i.Type.String())
	}
}

// runCommand executes the named command and sends its response. When the
// command fails, the error text is sent back as an ephemeral message
// instead, and the error is returned.
func (d *DebateDragon) runCommand(
	ctx context.Context,
	handler InteractionHandler,
	commandName string,
) (err error) {
	cmd, err := lookupCommand(commandName)
	if err != nil {
		return err
	}

	defer func() {
		if rc := recover(); rc != nil {
			d.handleRecover(ctx, rc)
			err = fmt.Errorf("panic in command %q: %v", commandName, rc)
			_ = handler.Respond(ctx, ephemeralResponse(fmt.Sprintf(commandErrorFormat, "internal error")))
		}
	}()

	resp, err := cmd(ctx, d, handler.GetInteraction())
	if err != nil {
		_ = handler.Respond(ctx, ephemeralResponse(fmt.Sprintf(commandErrorFormat, err.Error())))
		return err
	}
	return handler.Respond(ctx, resp)
}

// handleRecover logs a recovered panic along with its stack trace
func (*DebateDragon) handleRecover(ctx context.Context, rc any) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = slog.Default()
	}
	stackTrace := string(debug.Stack())
	if nerr, ok := rc.(error); ok {
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(nerr),
			"stack_trace", stackTrace,
		)
		return
	}
	if nerr, ok := rc.(string); ok {
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(errors.New(nerr)),
			"stack_trace", stackTrace,
		)
		return
	}
	logger.ErrorContext(
		ctx,
		"recovered from panic",
		"panic_arg", rc,
		"stack_trace", stackTrace,
	)
}
