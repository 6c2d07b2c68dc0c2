package debatedragon

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/debatedragon/debatedragon/debatedragon.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var (
	defaultLogWriter io.Writer = os.Stdout

	// notificationTimeout bounds how long a single notification may take.
	// Gateway events are handled one at a time, so this also bounds how
	// long the event loop can be held up by a notification.
	notificationTimeout = 10 * time.Second
)

// DebateDragon is the application context: configuration, database,
// discord session, rambling detector, notifier and status API. It's
// created with [New] and started with [DebateDragon.Run].
type DebateDragon struct {
	config *Config

	// read connection
	db *gorm.DB

	// gorm.DB wrapper for writes. With sqlite, writes are serialized.
	writeDB DBI

	logger     *slog.Logger
	logHandler slog.Handler

	discord     *Discord
	detector    *RamblingDetector
	notifier    *Notifier
	subscribers *subscriberStore
	api         *API
	metrics     *botMetrics

	// signalStop enables an explicit stop signal to be sent to the bot
	signalStop chan struct{}

	// signalReady has a value sent on it once Run has opened the
	// database, connected to discord and started the API
	signalReady chan struct{}

	// A signal is sent on this channel when shutdown finishes
	eventShutdown chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	// The time Run was called
	startedAt time.Time

	// getInteractionHandlerFunc returns the [InteractionHandler] used to
	// respond to a received interaction
	getInteractionHandlerFunc func(
		ctx context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler
}

// New creates a DebateDragon from the given config. Any configuration
// problems found are returned together.
func New(config *Config) (*DebateDragon, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}
	if config.Discord == nil {
		return nil, errors.New("missing discord config")
	}
	if config.Rambling == nil {
		return nil, errors.New("missing rambling config")
	}
	if config.API == nil {
		return nil, errors.New("missing api config")
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	d := &DebateDragon{
		config:        config,
		signalReady:   make(chan struct{}, 1),
		signalStop:    make(chan struct{}, 1),
		eventShutdown: make(chan struct{}, 1),
		metrics:       newBotMetrics(),
	}

	d.logHandler = newLogHandler(defaultLogWriter, d.config.LogLevel)
	d.logger = slog.New(d.logHandler)
	slog.SetDefault(d.logger)

	d.config.Discord.httpClient = d.config.HTTPClient

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newLogHandler(
			defaultLogWriter,
			d.config.Discord.DiscordGoLogLevel,
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	disc := newDiscord(d.config.Discord, d.config.DiscordToken())
	disc.logger = slog.New(
		newLogHandler(defaultLogWriter, d.config.Discord.LogLevel),
	).With(loggerNameKey, "discord")
	disc.dd = d
	d.discord = disc

	if config.API.Enabled {
		d.api = newAPI(d, config.API)
	}

	return d, errors.Join(errs...)
}

func (d *DebateDragon) ValidateConfig() error {
	return ValidateConfig(d.config)
}

func (d *DebateDragon) getLogger(ctx context.Context) (
	context.Context,
	*slog.Logger,
) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = d.logger
		ctx = WithLogger(ctx, logger)
	}
	return ctx, logger
}

// initDB opens (and migrates) the database, and creates the components
// that persist to it.
func (d *DebateDragon) initDB(ctx context.Context) error {
	if d.db != nil {
		return nil
	}
	handler := newLogHandler(defaultLogWriter, d.config.DatabaseLogLevel)
	gormLogger := newGORMLogger(handler, d.config.DatabaseSlowThreshold)

	db, err := openDB(ctx, d.config.DatabaseType, d.config.Database, gormLogger)
	if err != nil {
		return err
	}
	d.db = db
	d.writeDB = NewDatabase(db, d.logger, d.config.DatabaseType == dbTypePostgres)
	d.detector = NewRamblingDetector(
		d.config.Rambling,
		newRamblingStore(d.writeDB),
		d.logger,
	)
	d.subscribers = newSubscriberStore(d.writeDB)
	return nil
}

// Init creates and migrates the database, and creates the rambling state
// record if it doesn't exist yet.
func (d *DebateDragon) Init(ctx context.Context) (*RamblingState, error) {
	if err := d.initDB(ctx); err != nil {
		return nil, fmt.Errorf("error initializing database: %w", err)
	}
	return d.detector.ensureState(ctx)
}

// RegisterSlashCommands overwrites the bot's commands in the configured
// guild ([DiscordConfig.GuildID]), without connecting to the gateway. If
// no guild is configured, the commands are registered globally.
func (d *DebateDragon) RegisterSlashCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	if d.discord.session == nil {
		session, err := d.discord.newSession()
		if err != nil {
			return nil, err
		}
		d.discord.session = session
	}
	return d.discord.registerCommands(d.config.Discord.GuildID, options...)
}

// Run opens the database, connects to the discord gateway and starts the
// status API, then handles events until ctx is canceled (or a stop signal
// is sent), at which point it shuts down gracefully.
func (d *DebateDragon) Run(ctx context.Context) error {
	d.runMu.Lock()
	defer d.runMu.Unlock()

	d.startedAt = time.Now()
	logger := d.logger

	if err := d.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", d.config))

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-d.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, d.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- d.initRun(startCtx, ctx)
	}()

	select {
	case <-startCtx.Done():
		return errors.New("startup cancelled or timed out")
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			d.closeDiscord(ctx)
			return err
		}
		logger.InfoContext(ctx, "init complete")
	}

	g, gctx := errgroup.WithContext(ctx)
	if d.api != nil {
		g.Go(
			func() error {
				err := d.api.Serve(gctx)
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(err))
					return fmt.Errorf("api server: %w", err)
				}
				return nil
			},
		)
	}

	select {
	case d.signalReady <- struct{}{}:
		logger.InfoContext(ctx, "sent ready signal")
	default:
	}

	// block until the runtime context is canceled (interrupt, stop signal)
	// or the api fails
	<-gctx.Done()

	shutdownErr := d.shutdown(ctx)
	return errors.Join(shutdownErr, g.Wait())
}

// initRun opens the database and connects to the discord gateway
func (d *DebateDragon) initRun(startCtx context.Context, ctx context.Context) error {
	d.logger.Debug("initializing DB...")
	if err := d.initDB(startCtx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	d.logger.Debug("finished initializing DB")

	if err := d.initDiscordSession(ctx); err != nil {
		return fmt.Errorf("error creating discord session: %w", err)
	}

	d.logger.InfoContext(ctx, "connecting to discord")
	if err := d.discord.session.Open(); err != nil {
		return fmt.Errorf("error connecting to discord: %w", err)
	}
	return nil
}

// initDiscordSession creates the session (if one wasn't already set) and
// the notifier that sends through it, and adds the gateway handlers.
func (d *DebateDragon) initDiscordSession(ctx context.Context) error {
	if d.discord.session == nil {
		disc, err := d.discord.newSession()
		if err != nil {
			return err
		}
		d.discord.session = disc
	}

	if d.notifier == nil {
		d.notifier = newNotifier(
			d.discord.session,
			d.config.Rambling,
			d.subscribers.UserIDs,
			d.logger,
		)
	}

	ctx = WithLogger(ctx, d.logger.With(loggerNameKey, "discord_session"))

	for _, h := range d.discord.discordgoRemoveHandlerFuncs {
		h()
	}

	d.discord.session.SetIdentify(
		discordgo.Identify{
			Intents: d.config.Discord.GatewayIntents,
		},
	)

	d.discord.discordgoRemoveHandlerFuncs = []func(){
		d.discord.session.AddHandler(d.discord.handlerConnect()),
		d.discord.session.AddHandler(d.discord.handlerDisconnect()),
		d.discord.session.AddHandler(d.discord.handlerReady()),
		d.discord.session.AddHandler(d.discord.handlerGuildCreate()),
		d.discord.session.AddHandler(
			func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
				d.handleInteraction(ctx, d.getInteractionHandlerFunc(ctx, i))
			},
		),
		d.discord.session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.MessageCreate) {
				d.handleDiscordMessage(ctx, m)
			},
		),
	}

	if d.getInteractionHandlerFunc == nil {
		d.getInteractionHandlerFunc = func(
			_ context.Context,
			i *discordgo.InteractionCreate,
		) InteractionHandler {
			return GatewayHandler{
				session:     d.discord.session,
				interaction: i,
				logger: d.discord.logger.With(
					slog.Group("interaction", interactionLogAttrs(*i)...),
				),
			}
		}
	}
	return nil
}

// handleDiscordMessage runs the message through the rambling detector,
// and sends a notification when it fires. Errors are logged, and don't
// affect handling of the next message.
func (d *DebateDragon) handleDiscordMessage(
	ctx context.Context,
	m *discordgo.MessageCreate,
) {
	ctx, logger := d.getLogger(ctx)
	defer func() {
		if rc := recover(); rc != nil {
			d.handleRecover(ctx, rc)
		}
	}()

	if m == nil || m.Message == nil {
		return
	}
	author := messageAuthor(m.Message)
	if author == nil {
		logger.DebugContext(ctx, "ignoring message without author", "message_id", m.ID)
		return
	}

	decision, err := d.detector.OnMessage(
		ctx, RamblingMessage{
			AuthorID:  author.ID,
			GuildID:   m.GuildID,
			Timestamp: m.Timestamp,
		},
	)
	if err != nil {
		d.metrics.ramblingErrors.Inc()
		logger.ErrorContext(
			ctx,
			"error evaluating message",
			tint.Err(err),
			"message_id", m.ID,
		)
		return
	}
	d.metrics.ramblingDecisions.WithLabelValues(string(decision.Action)).Inc()

	if decision.Action != RamblingNotify {
		return
	}

	notifyCtx, cancel := context.WithTimeout(ctx, notificationTimeout)
	defer cancel()
	err = d.notifier.Notify(
		notifyCtx, RamblingNotification{
			Message: m.Message,
			Counter: decision.Counter,
		},
	)
	if errors.Is(err, errNotificationRateLimited) {
		d.metrics.notifications.WithLabelValues("rate_limited").Inc()
		logger.WarnContext(
			ctx,
			"skipped rambling notification, sent too soon after the last one",
			"decision", decision,
			"notify_interval", d.config.Rambling.NotifyInterval,
		)
		return
	}
	d.metrics.notifications.WithLabelValues(resultLabel(err)).Inc()
	if err != nil {
		logger.ErrorContext(
			ctx,
			"error sending rambling notification",
			tint.Err(err),
			"decision", decision,
		)
	}
}

// closeDiscord closes the gateway session and removes handlers
func (d *DebateDragon) closeDiscord(ctx context.Context) {
	if d.discord.session == nil {
		return
	}
	d.logger.InfoContext(ctx, "closing discord session")
	if err := d.discord.session.Close(); err != nil {
		d.logger.WarnContext(ctx, "error closing discord session", tint.Err(err))
	}
	if n := len(d.discord.discordgoRemoveHandlerFuncs); n > 0 {
		d.logger.InfoContext(ctx, fmt.Sprintf("removing %d discord handlers", n))
		for _, h := range d.discord.discordgoRemoveHandlerFuncs {
			h()
		}
		d.discord.discordgoRemoveHandlerFuncs = []func(){}
	}
}

// shutdown stops the API server and closes the discord session, waiting
// up to [Config.ShutdownTimeout] before forcing the API server closed.
func (d *DebateDragon) shutdown(ctx context.Context) error {
	d.logger.WarnContext(ctx, "shutting down")
	defer func() {
		select {
		case d.eventShutdown <- struct{}{}:
		default:
		}
	}()
	shutdownStart := time.Now()

	closeCtx, closeCancel := context.WithTimeout(
		context.Background(),
		d.config.ShutdownTimeout,
	)
	defer closeCancel()

	var errs []error

	d.closeDiscord(ctx)

	if d.api != nil {
		d.logger.InfoContext(ctx, "stopping http server")
		if err := d.api.httpServer.Shutdown(closeCtx); err != nil {
			d.logger.WarnContext(ctx, "api did not stop in time, forcing close", tint.Err(err))
			_ = d.api.httpServer.Close()
			errs = append(errs, fmt.Errorf("api shutdown: %w", err))
		}
	}

	d.logger.InfoContext(
		ctx,
		"shutdown complete",
		"shutdown_duration", time.Since(shutdownStart),
	)
	return errors.Join(errs...)
}
