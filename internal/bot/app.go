package bot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/chastnik/mm-bot-jira2excel/internal/config"
	"github.com/chastnik/mm-bot-jira2excel/internal/cryptox"
	"github.com/chastnik/mm-bot-jira2excel/internal/enroll"
	"github.com/chastnik/mm-bot-jira2excel/internal/jira"
	"github.com/chastnik/mm-bot-jira2excel/internal/logging"
	"github.com/chastnik/mm-bot-jira2excel/internal/mattermost"
	"github.com/chastnik/mm-bot-jira2excel/internal/report"
	"github.com/chastnik/mm-bot-jira2excel/internal/vault"
)

// App wires configuration, the credential vault, the tracker client, and
// the Mattermost surface into a running bot.
type App struct {
	config     *config.Config
	logger     logging.Logger
	db         *sql.DB
	bot        *Bot
	listener   *mattermost.Listener
	dispatcher *Dispatcher
}

func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	logger := logging.NewJSONLogger(cfg.LogLevel)

	masterKey, err := cfg.MasterKey()
	if err != nil {
		return nil, err
	}
	cipher, err := cryptox.NewCipher(masterKey)
	if err != nil {
		return nil, err
	}

	db, err := vault.Open(ctx, cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("vault db init: %w", err)
	}
	vaultSvc := vault.NewService(vault.NewPostgresRepository(db), cipher, logger)

	jiraClient := jira.NewClient(cfg.JiraURL, logger)

	var cache report.Cache
	if cfg.CacheEnabled() {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		cache = report.NewRedisCache(rdb, cfg.ReportCacheTTL, logger)
		logger.Info(ctx, "report cache enabled", "addr", cfg.RedisAddr)
	}

	var archiver Archiver
	if cfg.ArchiveEnabled() {
		archiver = report.NewArchiver(report.ArchiveConfig{
			Region:       cfg.S3Region,
			RootUser:     cfg.S3RootUser,
			RootPassword: cfg.S3RootPassword,
			Bucket:       cfg.S3Bucket,
			BaseEndpoint: cfg.S3BaseEndpoint,
		}, logger)
		logger.Info(ctx, "workbook archive enabled", "bucket", cfg.S3Bucket)
	}

	aggregator := report.NewAggregator(vaultSvc, jiraClient, cache, logger)
	conversation := enroll.New(jiraClient, vaultSvc, logger, cfg.ConversationTimeout)
	router := NewRouter(aggregator, conversation, vaultSvc, archiver, logger, cfg.ConversationTimeout)

	client := mattermost.NewClient(cfg.MattermostURL, cfg.MattermostToken, logger)
	listener := mattermost.NewListener(cfg.MattermostURL, cfg.MattermostToken, logger)
	dispatcher := NewDispatcher(logger)

	return &App{
		config:     cfg,
		logger:     logger,
		db:         db,
		bot:        NewBot(client, router, dispatcher, logger),
		listener:   listener,
		dispatcher: dispatcher,
	}, nil
}

func (app *App) initSignalHandler(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancel()
	}()
}

// Run blocks until the context is cancelled or a signal arrives, then
// drains in-flight work and closes the database.
func (app *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	app.logger.Info(ctx, "starting bot", "bot_name", app.config.BotName)
	app.initSignalHandler(cancel)

	if err := app.bot.Init(ctx); err != nil {
		return fmt.Errorf("resolving bot identity: %w", err)
	}

	err := app.listener.Run(ctx, func(m mattermost.Message) {
		app.bot.OnMessage(ctx, m)
	})

	app.dispatcher.Close()
	if cerr := app.db.Close(); cerr != nil {
		app.logger.Error(ctx, "closing vault db", "error", cerr)
	}

	if errors.Is(err, context.Canceled) {
		app.logger.Info(ctx, "shutdown complete")
		return nil
	}
	return err
}
