// Package app builds the long-lived services of the watcher from
// configuration and owns their shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/portal-bulletin-watcher/internal/api"
	"github.com/JakeFAU/portal-bulletin-watcher/internal/auth"
	"github.com/JakeFAU/portal-bulletin-watcher/internal/bulletin"
	"github.com/JakeFAU/portal-bulletin-watcher/internal/captcha"
	"github.com/JakeFAU/portal-bulletin-watcher/internal/config"
	"github.com/JakeFAU/portal-bulletin-watcher/internal/dispatcher"
	"github.com/JakeFAU/portal-bulletin-watcher/internal/extract"
	"github.com/JakeFAU/portal-bulletin-watcher/internal/fetcher"
	collyfetcher "github.com/JakeFAU/portal-bulletin-watcher/internal/fetcher/colly"
	"github.com/JakeFAU/portal-bulletin-watcher/internal/fetcher/detector"
	"github.com/JakeFAU/portal-bulletin-watcher/internal/fetcher/headless"
	"github.com/JakeFAU/portal-bulletin-watcher/internal/fetcher/rows"
	"github.com/JakeFAU/portal-bulletin-watcher/internal/id/uuid"
	"github.com/JakeFAU/portal-bulletin-watcher/internal/metrics"
	"github.com/JakeFAU/portal-bulletin-watcher/internal/notify"
	notifypubsub "github.com/JakeFAU/portal-bulletin-watcher/internal/notify/pubsub"
	"github.com/JakeFAU/portal-bulletin-watcher/internal/orchestrator"
	"github.com/JakeFAU/portal-bulletin-watcher/internal/policy/ratelimit"
	"github.com/JakeFAU/portal-bulletin-watcher/internal/retry"
	"github.com/JakeFAU/portal-bulletin-watcher/internal/session"
	"github.com/JakeFAU/portal-bulletin-watcher/internal/session/gcsstore"
	"github.com/JakeFAU/portal-bulletin-watcher/internal/summarize"
	"github.com/JakeFAU/portal-bulletin-watcher/internal/taskstore/memory"
	"github.com/JakeFAU/portal-bulletin-watcher/internal/taskstore/postgres"
	"github.com/JakeFAU/portal-bulletin-watcher/internal/taskstore/sqlite"
	"github.com/JakeFAU/portal-bulletin-watcher/internal/telemetry"
	"github.com/JakeFAU/portal-bulletin-watcher/internal/worker"
)

// App holds the services shared by every command. It is built once at
// startup and closed when the command returns.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	store       bulletin.TaskStore
	credentials bulletin.CredentialStore
	sessions    *session.Manager
	fetcher     *fetcher.Fetcher
	notifier    *notify.Fanout
	runner      *orchestrator.Orchestrator

	closers []func() error
}

// New wires every component described by cfg. It fails fast: any service
// that cannot be built aborts startup and releases what was already opened.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	a := &App{cfg: cfg, logger: logger}
	if err := a.build(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger
	tracing, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	a.closers = append(a.closers, tracing.Close)

	if a.store, err = openStore(ctx, cfg.Store, logger); err != nil {
		return fmt.Errorf("init task store: %w", err)
	}
	a.closers = append(a.closers, a.store.Close)

	if a.credentials, err = a.openCredentials(ctx); err != nil {
		return fmt.Errorf("init session store: %w", err)
	}

	browser, err := headless.NewBrowser(headless.Config{
		Headless:           cfg.Login.Headless,
		UserAgent:          cfg.Fetch.UserAgent,
		NavigationTimeout:  cfg.Login.NavTimeout,
		InsecureSkipVerify: cfg.Fetch.InsecureSkipVerify,
		MaxParallel:        cfg.Worker.Concurrency,
	}, logger)
	if err != nil {
		return fmt.Errorf("init browser: %w", err)
	}
	a.closers = append(a.closers, func() error { browser.Close(); return nil })

	var solver auth.CaptchaSolver
	if cfg.Login.CaptchaEndpoint != "" {
		if solver, err = captcha.NewHTTPSolver(cfg.Login.CaptchaEndpoint, nil); err != nil {
			return fmt.Errorf("init captcha solver: %w", err)
		}
	} else {
		logger.Warn("no captcha endpoint configured, login will submit without a captcha")
	}
	authenticator := auth.New(authConfig(cfg), browser, solver, a.credentials, logger)
	a.sessions = session.NewManager(a.credentials, authenticator, cfg.Session.MaxAge, logger)
	a.sessions.SetLoginTimeout(loginBudget(cfg.Login))

	if a.fetcher, err = newFetcher(cfg, browser, logger); err != nil {
		return fmt.Errorf("init fetcher: %w", err)
	}

	summarizer, err := newSummarizer(cfg.Summarizer, logger)
	if err != nil {
		return fmt.Errorf("init summarizer: %w", err)
	}

	if a.notifier, err = a.newNotifier(ctx); err != nil {
		return fmt.Errorf("init notifier: %w", err)
	}

	w, err := worker.New(worker.Config{
		JitterMin: cfg.Worker.JitterMin,
		JitterMax: cfg.Worker.JitterMax,
	}, worker.Deps{
		Store:      a.store,
		Fetcher:    a.fetcher,
		Sessions:   a.sessions,
		Summarizer: summarizer,
		Notifier:   a.notifier,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("init worker: %w", err)
	}
	pool, err := dispatcher.New(cfg.Worker.Concurrency, w, logger)
	if err != nil {
		return fmt.Errorf("init pool: %w", err)
	}

	a.runner, err = orchestrator.New(cfg.Portal.ListURL, orchestrator.Deps{
		Sessions: a.sessions,
		Fetcher:  a.fetcher,
		Store:    a.store,
		Pool:     pool,
		IDs:      uuid.NewGenerator(),
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("init orchestrator: %w", err)
	}

	logger.Info("application services initialized",
		zap.String("store", cfg.Store.Driver),
		zap.String("session_backend", cfg.Session.Backend),
		zap.Strings("channels", a.notifier.Channels()),
		zap.Int("concurrency", pool.Size()),
	)
	return nil
}

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Config returns the configuration the app was built from.
func (a *App) Config() config.Config { return a.cfg }

// Store returns the task store.
func (a *App) Store() bulletin.TaskStore { return a.store }

// Runner returns the orchestrator.
func (a *App) Runner() api.Runner { return a.runner }

// Login forces an interactive login and persists the new session.
func (a *App) Login(ctx context.Context) (bulletin.Session, error) {
	return a.sessions.Refresh(ctx)
}

// Server builds the status API. Runs triggered through it use ctx.
func (a *App) Server(ctx context.Context) *api.Server {
	return api.NewServer(ctx, a.store, a.runner, api.Options{
		APIKey:         a.cfg.Server.APIKey,
		RequestTimeout: a.cfg.Server.RequestTimeout,
	}, a.logger)
}

// Close releases services in reverse order of construction.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func openStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (bulletin.TaskStore, error) {
	switch cfg.Driver {
	case "sqlite":
		return sqlite.Open(ctx, cfg.DSN, cfg.Table, logger)
	case "postgres":
		return postgres.Open(ctx, postgres.Config{DSN: cfg.DSN, Table: cfg.Table}, logger)
	case "memory":
		logger.Warn("using in-memory task store, history is lost on exit")
		return memory.New(logger), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func (a *App) openCredentials(ctx context.Context) (bulletin.CredentialStore, error) {
	cfg := a.cfg.Session
	switch cfg.Backend {
	case "file":
		return session.NewFileStore(cfg.Path, a.logger)
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		return gcsstore.New(client, gcsstore.Config{Bucket: cfg.GCSBucket, Object: cfg.GCSObject}, a.logger)
	default:
		return nil, fmt.Errorf("unknown session backend %q", cfg.Backend)
	}
}

func authConfig(cfg config.Config) auth.Config {
	p := cfg.Portal
	return auth.Config{
		LoginURL:             p.LoginURL,
		Username:             p.Username,
		Password:             p.Password,
		SuccessURLPatterns:   p.SuccessURLPatterns,
		AuthenticatedMarkers: p.AuthenticatedMarkers,
		CaptchaErrorText:     p.CaptchaErrorText,
		CredentialErrorTexts: p.CredentialErrorTexts,
		Selectors: auth.Selectors{
			PasswordTab:  p.Selectors.PasswordTab,
			Username:     p.Selectors.Username,
			Password:     p.Selectors.Password,
			CaptchaImage: p.Selectors.CaptchaImage,
			CaptchaInput: p.Selectors.CaptchaInput,
			Submit:       p.Selectors.Submit,
			ErrorTip:     p.Selectors.ErrorTip,
		},
		MaxRetries:     cfg.Login.MaxRetries,
		SuccessTimeout: cfg.Login.SuccessTimeout,
		PollInterval:   cfg.Login.PollInterval,
		SettleDelay:    cfg.Login.SettleDelay,
	}
}

func newFetcher(cfg config.Config, browser *headless.Browser, logger *zap.Logger) (*fetcher.Fetcher, error) {
	plain := collyfetcher.New(collyfetcher.Config{
		UserAgent:          cfg.Fetch.UserAgent,
		Timeout:            cfg.Fetch.PageTimeout,
		InsecureSkipVerify: cfg.Fetch.InsecureSkipVerify,
	})
	files := collyfetcher.New(collyfetcher.Config{
		UserAgent:          cfg.Fetch.UserAgent,
		Timeout:            cfg.Fetch.AttachmentTimeout,
		InsecureSkipVerify: cfg.Fetch.InsecureSkipVerify,
	})
	rendered := headless.NewListLoader(browser, headless.ListLoaderConfig{
		EntryLinkText: cfg.Portal.EntryLinkText,
		SettleDelay:   cfg.Login.SettleDelay,
	})

	var list bulletin.PageLoader = rendered
	if cfg.Fetch.ListMode == "http" {
		list = plain
	}

	return fetcher.New(fetcher.Config{
		NewestN:           cfg.Fetch.NewestN,
		MinTitleLen:       cfg.Fetch.MinTitleLen,
		MaxTextChars:      cfg.Fetch.MaxTextChars,
		AttachmentDir:     cfg.Fetch.AttachmentDir,
		AttachmentTimeout: cfg.Fetch.AttachmentTimeout,
		DownloadPatterns:  cfg.Fetch.DownloadPatterns,
	}, fetcher.Deps{
		List:        list,
		Promote:     rendered,
		Detail:      plain,
		Attachments: files,
		Rows:        rows.NewSelectorStrategy(cfg.Fetch.RowSelectors),
		Detector: detector.NewHeuristic(detector.Signals{
			LoginURLPatterns:     cfg.Portal.LoginURLPatterns,
			LoginTitles:          cfg.Portal.LoginTitles,
			LoginMarkers:         cfg.Portal.LoginMarkers,
			AuthenticatedMarkers: cfg.Portal.AuthenticatedMarkers,
			NotFoundMarkers:      cfg.Portal.NotFoundMarkers,
		}),
		Pacer:  ratelimit.New(ratelimit.Config{RPS: cfg.Fetch.RequestsPerSecond}),
		Tokens: uuid.NewGenerator(),
		Retry: retry.Runner{
			Policy: retry.Policy{
				MaxAttempts: cfg.Fetch.MaxAttempts,
				Min:         cfg.Fetch.BackoffMin,
				Max:         cfg.Fetch.BackoffMax,
			},
			Logger: logger,
		},
		Logger: logger,
	})
}

func newSummarizer(cfg config.SummarizerConfig, logger *zap.Logger) (*summarize.Chat, error) {
	client, err := summarize.NewClient(summarize.ClientConfig{
		BaseURL: cfg.Endpoint,
		APIKey:  cfg.APIKey,
		Timeout: cfg.Timeout,
	})
	if err != nil {
		return nil, err
	}
	return summarize.New(summarize.Config{
		FilterModel:     cfg.FilterModel,
		PrimaryModel:    cfg.PrimaryModel,
		FallbackModel:   cfg.FallbackModel,
		MaxContextChars: cfg.MaxContextChars,
	}, client, extract.NewRegistry(logger), summarize.KeywordPrefilter(cfg.ForceKeepKeywords), logger), nil
}

func (a *App) newNotifier(ctx context.Context) (*notify.Fanout, error) {
	cfg := a.cfg.Notify
	client := &http.Client{Timeout: 10 * time.Second}
	var channels []notify.Channel

	if cfg.Email.Enabled {
		ch, err := notify.NewEmail(notify.EmailConfig{
			Host:       cfg.Email.SMTPServer,
			Port:       cfg.Email.SMTPPort,
			Sender:     cfg.Email.Sender,
			SenderName: cfg.Email.SenderName,
			Password:   cfg.Email.Password,
			Receivers:  notify.ParseReceivers(cfg.Email.Receivers),
		})
		if err != nil {
			return nil, fmt.Errorf("email: %w", err)
		}
		channels = append(channels, ch)
	}
	if cfg.Qmsg.Enabled {
		ch, err := notify.NewQmsg(cfg.Qmsg.BaseURL, cfg.Qmsg.Key, client)
		if err != nil {
			return nil, fmt.Errorf("qmsg: %w", err)
		}
		channels = append(channels, ch)
	}
	if cfg.Webhook.Enabled {
		ch, err := notify.NewWebhook(cfg.Webhook.URL, client)
		if err != nil {
			return nil, fmt.Errorf("webhook: %w", err)
		}
		channels = append(channels, ch)
	}
	if cfg.Telegram.Enabled {
		ch, err := notify.NewTelegram(cfg.Telegram.BaseURL, cfg.Telegram.BotToken, cfg.Telegram.ChatID, client)
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		channels = append(channels, ch)
	}
	if cfg.PubSub.Enabled {
		pub, err := notifypubsub.NewTopicPublisher(ctx, cfg.PubSub.ProjectID, cfg.PubSub.TopicName)
		if err != nil {
			return nil, fmt.Errorf("pubsub: %w", err)
		}
		a.closers = append(a.closers, pub.Close)
		ch, err := notifypubsub.New(pub)
		if err != nil {
			return nil, fmt.Errorf("pubsub: %w", err)
		}
		channels = append(channels, ch)
	}

	if len(channels) == 0 {
		a.logger.Warn("no notification channel enabled, summaries are only logged")
		channels = append(channels, notify.NewLog(a.logger))
	}
	return notify.NewFanout(cfg.Core, a.logger, channels...)
}

// loginBudget is the longest a full login with every retry can take, plus a
// minute for browser start-up.
func loginBudget(cfg config.LoginConfig) time.Duration {
	if cfg.MaxRetries <= 0 {
		return 0
	}
	perAttempt := cfg.NavTimeout + cfg.SuccessTimeout + cfg.SettleDelay
	return time.Duration(cfg.MaxRetries)*perAttempt + time.Minute
}
