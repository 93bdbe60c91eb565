package modmail

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/arcward/modmail/modmail.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var defaultLogWriter io.Writer = os.Stdout

// ModMail is the top-level bot: it owns the config, the settings store,
// the database handles, the Discord session wrapper, the thread registry
// and the admin API, and drives their lifecycles from Run.
type ModMail struct {
	config     *Config
	logger     *slog.Logger
	logHandler slog.Handler

	db      *gorm.DB
	writeDB DBI

	settings       *SettingsStore
	registry       *ThreadRegistry
	discord        *Discord
	api            *API
	blockedNotices *blockedNotices

	startedAt time.Time

	// signalStop enables an explicit stop signal to be sent to the bot,
	// as an alternative to canceling the Run context
	signalStop chan struct{}

	// signalReady has a value sent on it when Run has finished starting up
	signalReady chan struct{}

	// runMu prevents concurrent Run calls
	runMu sync.Mutex
}

// New creates a ModMail bot from the given config, wiring loggers and
// component instances. The database and gateway connections aren't opened
// until Run.
func New(config *Config) (*ModMail, error) {
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

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	m := &ModMail{
		config:         config,
		signalReady:    make(chan struct{}, 1),
		blockedNotices: newBlockedNotices(),
	}

	m.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     m.config.LogLevel,
			AddSource: true,
		},
	)
	m.logger = slog.New(m.logHandler)
	slog.SetDefault(m.logger)

	m.settings = NewSettingsStore(config.SettingsPath, m.logger)
	m.registry = NewThreadRegistry(m.logger)

	m.config.Discord.httpClient = m.config.HTTPClient

	disc := newDiscord(m.config.Discord)
	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     m.config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)
	disc.logger = slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     m.config.Discord.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "discord")
	m.discord = disc
	disc.mm = m

	if config.API != nil && config.API.Enabled {
		m.api = newAPI(m, config.API)
	}

	return m, errors.Join(errs...)
}

func (m *ModMail) ValidateConfig() error {
	return structValidator.Struct(m.config)
}

// Stop signals a running bot to shut down.
func (m *ModMail) Stop() {
	if m.signalStop != nil {
		m.signalStop <- struct{}{}
	}
}

// Run starts the bot: opens the database, loads settings, hydrates the
// thread registry, starts the admin API, connects to the Discord gateway
// and blocks until the context is canceled or Stop is called, then shuts
// down gracefully.
func (m *ModMail) Run(ctx context.Context) error {
	// prevents concurrent runs
	m.runMu.Lock()
	defer m.runMu.Unlock()

	m.signalStop = make(chan struct{}, 1)
	m.startedAt = time.Now()
	logger := m.logger

	if err := m.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", m.config))
	if m.signalReady == nil {
		m.signalReady = make(chan struct{}, 1)
	}

	// the 'runtime' context, which triggers a graceful shutdown when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-m.signalStop:
			m.logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			m.logger.Warn("context canceled, sending stop signal")
			m.signalStop <- struct{}{}
			return
		}
	}()

	runtimeWG := &sync.WaitGroup{}

	if m.api != nil {
		go func() {
			httpErr := m.api.Serve(ctx)
			if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
				m.logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
			}
		}()
	}

	startCtx, startCancel := context.WithTimeout(ctx, m.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- m.initRun(startCtx)
	}()

	select {
	case <-startCtx.Done():
		return fmt.Errorf("startup cancelled or timed out")
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			if m.api != nil && m.api.listener != nil {
				go func() {
					if e := m.api.listener.Close(); e != nil {
						logger.ErrorContext(ctx, "error closing listener", tint.Err(e))
					}
				}()
			}
			return err
		}
		logger.InfoContext(ctx, "init complete")
	}

	if discErr := m.initDiscordSession(ctx, runtimeWG); discErr != nil {
		logger.ErrorContext(ctx, "error creating discord session", tint.Err(discErr))
		return discErr
	}

	logger.InfoContext(ctx, "connecting to discord")
	if err := m.discord.session.Open(); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord", tint.Err(err))
		return fmt.Errorf("error connecting to discord: %w", err)
	}

	// reconcile against the live category: adopt thread channels opened
	// by a previous process that the database doesn't know about
	m.reconcileRegistry(ctx)

	if _, err := m.discord.registerCommands(); err != nil {
		logger.ErrorContext(ctx, "error registering commands", tint.Err(err))
	}

	if status := m.settings.Get().Status; status != "" {
		go func() {
			if statusErr := m.discord.updateCustomStatus(status); statusErr != nil {
				logger.Error("error updating discord status", tint.Err(statusErr))
			}
		}()
	}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		m.autoCloseWatcher(ctx)
	}()

	m.signalReady <- struct{}{}
	m.logger.InfoContext(ctx, "sent ready signal")

	// block until something cancels the main runtime context
	<-ctx.Done()

	return m.shutdown(ctx, runtimeWG)
}

// initRun opens the database, migrates, loads settings, and hydrates the
// registry from the open-thread rows.
func (m *ModMail) initRun(ctx context.Context) error {
	m.logger.Debug("initializing DB...")
	gormLogger := newGORMLogger(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     m.config.DatabaseLogLevel,
				AddSource: true,
			},
		),
		m.config.DatabaseSlowThreshold,
	)
	db, err := CreateDB(
		ctx,
		m.config.DatabaseType,
		m.config.Database,
		gormLogger,
		m.logger.With(loggerNameKey, "db"),
	)
	if err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	m.db = db
	m.writeDB = NewDatabase(
		db,
		m.logger,
		m.config.DatabaseType == dbTypePostgres,
	)
	m.logger.Debug("finished initializing DB")

	m.settings.Load()

	if err = m.registry.Hydrate(ctx, m.writeDB); err != nil {
		return err
	}

	return nil
}

// reconcileRegistry folds live thread channels the registry doesn't know
// about back in, using their topics. Requires a configured guild and
// category; failures are logged, not fatal.
func (m *ModMail) reconcileRegistry(ctx context.Context) {
	settings := m.settings.Get()
	if settings.GuildID == "" || settings.ModmailCategoryID == "" {
		return
	}
	channels, err := m.discord.session.GuildChannels(settings.GuildID)
	if err != nil {
		m.logger.WarnContext(
			ctx,
			"error listing guild channels for reconcile",
			"guild_id", settings.GuildID,
			tint.Err(err),
		)
		return
	}
	m.registry.Reconcile(ctx, m.writeDB, channels, settings.ModmailCategoryID)
}

// initDiscordSession creates the gateway session (if needed) and
// registers the event handlers.
func (m *ModMail) initDiscordSession(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) error {
	logger := m.logger.With(loggerNameKey, "discord_session")

	if m.discord.session == nil {
		disc, discErr := m.discord.newSession()
		if discErr != nil {
			return fmt.Errorf("error creating discord session: %w", discErr)
		}
		m.discord.session = disc
	}

	logger.DebugContext(ctx, "registering gateway handlers")

	if len(m.discord.discordgoRemoveHandlerFuncs) > 0 {
		for _, h := range m.discord.discordgoRemoveHandlerFuncs {
			h()
		}
	}

	identify := discordgo.Identify{
		Intents: m.config.Discord.GatewayIntents,
		Presence: discordgo.GatewayStatusUpdate{
			Status: m.settings.Get().Status,
		},
	}
	m.discord.session.SetIdentify(identify)

	messageHandler := m.handlerMessageCreate()
	interactionHandler := m.handlerInteractionCreate()

	m.discord.discordgoRemoveHandlerFuncs = []func(){
		m.discord.session.AddHandler(m.discord.handlerConnect()),
		m.discord.session.AddHandler(m.discord.handlerDisconnect()),
		m.discord.session.AddHandler(m.discord.handlerReady()),
		m.discord.session.AddHandler(
			func(s *discordgo.Session, msg *discordgo.MessageCreate) {
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					messageHandler(s, msg)
				}()
			},
		),
		m.discord.session.AddHandler(
			func(s *discordgo.Session, i *discordgo.InteractionCreate) {
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					interactionHandler(s, i)
				}()
			},
		),
	}

	return nil
}

// shutdown closes the gateway session and the API server, waiting up to
// the configured timeout for in-flight handlers to finish.
func (m *ModMail) shutdown(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) error {
	m.logger.WarnContext(ctx, "shutting down")
	shutdownStart := time.Now()
	shutdownTimeout := m.config.ShutdownTimeout
	if shutdownTimeout.Seconds() == 0 {
		m.logger.Warn("immediate shutdown")
		if m.api != nil {
			go func() {
				_ = m.api.httpServer.Close()
			}()
		}
		return m.discord.session.Close()
	}
	shutdownDeadline := shutdownStart.Add(shutdownTimeout)

	m.logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", shutdownTimeout,
		"shutdown_started", shutdownStart,
		"shutdown_deadline", shutdownDeadline,
	)

	closeCtx, closeCancel := context.WithDeadline(
		context.Background(),
		shutdownDeadline,
	)
	defer closeCancel()

	gracefulShutdownCh := make(chan struct{}, 1)
	go func() {
		runtimeWG.Wait() // wait for in-flight message/interaction handlers
		stopWG := &sync.WaitGroup{}

		stopWG.Add(1)
		go func() {
			defer stopWG.Done()
			if err := m.discord.session.Close(); err != nil {
				m.logger.Error("error closing discord session", tint.Err(err))
			}
		}()

		if m.api != nil && m.api.httpServer != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				if err := m.api.httpServer.Shutdown(closeCtx); err != nil {
					m.logger.Error("error shutting down api server", tint.Err(err))
				}
			}()
		}

		stopWG.Wait()
		gracefulShutdownCh <- struct{}{}
	}()

	select {
	case <-closeCtx.Done():
		m.logger.Warn("shutdown deadline passed, forcing exit")
		if m.api != nil && m.api.httpServer != nil {
			_ = m.api.httpServer.Close()
		}
		return fmt.Errorf("shutdown deadline exceeded")
	case <-gracefulShutdownCh:
		m.logger.InfoContext(
			ctx,
			"graceful shutdown complete",
			"duration", time.Since(shutdownStart),
		)
	}

	return nil
}
