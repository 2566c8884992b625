// Package auth drives the portal's interactive login form and persists the
// resulting Session.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/portal-bulletin-watcher/internal/bulletin"
	"github.com/JakeFAU/portal-bulletin-watcher/internal/metrics"
	"github.com/JakeFAU/portal-bulletin-watcher/internal/poll"
	"github.com/JakeFAU/portal-bulletin-watcher/internal/retry"
)

// LoginPage is one browser tab used to drive the login form.
type LoginPage interface {
	Navigate(ctx context.Context, url string) error
	URL(ctx context.Context) (string, error)
	TextVisible(ctx context.Context, text string) (bool, error)
	ElementVisible(ctx context.Context, selector string) (bool, error)
	Text(ctx context.Context, selector string) (string, error)
	Fill(ctx context.Context, selector, value string) error
	Click(ctx context.Context, selector string) error
	Screenshot(ctx context.Context, selector string) ([]byte, error)
	ExportSession(ctx context.Context) (bulletin.Session, error)
	Close()
}

// Browser opens login pages.
type Browser interface {
	NewPage(ctx context.Context) (LoginPage, error)
}

// CaptchaSolver reads the characters from a CAPTCHA image.
type CaptchaSolver interface {
	Solve(ctx context.Context, png []byte) (string, error)
}

// Selectors locate the login form controls.
type Selectors struct {
	PasswordTab  string
	Username     string
	Password     string
	CaptchaImage string
	CaptchaInput string
	Submit       string
	ErrorTip     string
}

// Config describes the login form and its success signals.
type Config struct {
	LoginURL             string
	Username             string
	Password             string
	SuccessURLPatterns   []string
	AuthenticatedMarkers []string
	CaptchaErrorText     string
	CredentialErrorTexts []string
	Selectors            Selectors
	MaxRetries           int
	SuccessTimeout       time.Duration
	PollInterval         time.Duration
	SettleDelay          time.Duration
}

// Authenticator acquires a fresh Session through the login form.
type Authenticator struct {
	cfg     Config
	browser Browser
	solver  CaptchaSolver
	store   bulletin.CredentialStore
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
	logger  *zap.Logger
}

// New builds an Authenticator. solver may be nil.
func New(cfg Config, browser Browser, solver CaptchaSolver, store bulletin.CredentialStore, logger *zap.Logger) *Authenticator {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.SuccessTimeout <= 0 {
		cfg.SuccessTimeout = 15 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Authenticator{
		cfg:     cfg,
		browser: browser,
		solver:  solver,
		store:   store,
		now:     time.Now,
		sleep:   retry.ContextSleep,
		logger:  logger.Named("auth"),
	}
}

// attemptResult is the terminal state of one login attempt.
type attemptResult int

const (
	resultSuccess attemptResult = iota
	resultCaptchaRetry
	resultTimeout
	resultFatal
	resultError
)

func (r attemptResult) String() string {
	switch r {
	case resultSuccess:
		return "success"
	case resultCaptchaRetry:
		return "captcha_retry"
	case resultTimeout:
		return "timeout"
	case resultFatal:
		return "fatal_credentials"
	default:
		return "error"
	}
}

var errCaptchaRejected = errors.New("captcha rejected")

// ErrEmptySession is returned when the portal accepted the login but the
// browser exported no cookies to persist.
var ErrEmptySession = errors.New("login exported no cookies")

// Login runs up to MaxRetries attempts. Rejected credentials abort
// immediately with ErrFatalCredentials; exhaustion yields ErrLoginTimeout.
func (a *Authenticator) Login(ctx context.Context) (bulletin.Session, error) {
	if a.cfg.Username == "" || a.cfg.Password == "" {
		return bulletin.Session{}, fmt.Errorf("username and password must be configured: %w", bulletin.ErrFatalCredentials)
	}
	if a.browser == nil {
		return bulletin.Session{}, fmt.Errorf("no browser configured")
	}

	page, err := a.browser.NewPage(ctx)
	if err != nil {
		return bulletin.Session{}, fmt.Errorf("open login page: %w", err)
	}
	defer page.Close()

	for attempt := 1; attempt <= a.cfg.MaxRetries; attempt++ {
		log := a.logger.With(zap.Int("attempt", attempt), zap.Int("max", a.cfg.MaxRetries))
		res, err := a.attempt(ctx, page, log)
		metrics.ObserveLoginAttempt(res.String())

		switch res {
		case resultSuccess:
			return a.persist(ctx, page, log)
		case resultFatal:
			log.Error("portal rejected credentials", zap.Error(err))
			return bulletin.Session{}, bulletin.ErrFatalCredentials
		case resultCaptchaRetry:
			log.Warn("captcha rejected, retrying")
		case resultTimeout:
			log.Warn("login did not complete in time")
		default:
			log.Warn("login attempt failed", zap.Error(err))
		}
		if ctx.Err() != nil {
			return bulletin.Session{}, fmt.Errorf("login: %w", ctx.Err())
		}
	}
	return bulletin.Session{}, bulletin.ErrLoginTimeout
}

func (a *Authenticator) attempt(ctx context.Context, page LoginPage, log *zap.Logger) (attemptResult, error) {
	if err := page.Navigate(ctx, a.cfg.LoginURL); err != nil {
		return resultError, fmt.Errorf("navigate: %w", err)
	}
	log.Debug("navigated to login page")

	if ok, err := a.loggedIn(ctx, page); err == nil && ok {
		log.Info("already authenticated")
		return resultSuccess, nil
	}

	if err := a.fillForm(ctx, page, log); err != nil {
		return resultError, err
	}
	log.Debug("form submitted")

	ok, err := poll.Until(ctx, func(ctx context.Context) (bool, error) {
		if err := a.checkErrorTip(ctx, page); err != nil {
			return false, err
		}
		return a.loggedIn(ctx, page)
	}, a.cfg.SuccessTimeout, a.cfg.PollInterval)
	switch {
	case errors.Is(err, bulletin.ErrFatalCredentials):
		return resultFatal, err
	case errors.Is(err, errCaptchaRejected):
		return resultCaptchaRetry, err
	case err != nil:
		return resultError, err
	case !ok:
		return resultTimeout, nil
	}
	return resultSuccess, nil
}

func (a *Authenticator) fillForm(ctx context.Context, page LoginPage, log *zap.Logger) error {
	sel := a.cfg.Selectors
	if sel.PasswordTab != "" {
		if visible, _ := page.ElementVisible(ctx, sel.PasswordTab); visible {
			if err := page.Click(ctx, sel.PasswordTab); err != nil {
				log.Debug("password tab click failed", zap.Error(err))
			}
		}
	}
	if err := page.Fill(ctx, sel.Username, a.cfg.Username); err != nil {
		return fmt.Errorf("fill username: %w", err)
	}
	if err := page.Fill(ctx, sel.Password, a.cfg.Password); err != nil {
		return fmt.Errorf("fill password: %w", err)
	}

	if a.solver != nil && sel.CaptchaImage != "" {
		if visible, _ := page.ElementVisible(ctx, sel.CaptchaImage); visible {
			a.solveCaptcha(ctx, page, log)
		}
	}

	if err := page.Click(ctx, sel.Submit); err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	return nil
}

// solveCaptcha fills the CAPTCHA field when possible. Failures are logged and
// the form is submitted without it.
func (a *Authenticator) solveCaptcha(ctx context.Context, page LoginPage, log *zap.Logger) {
	img, err := page.Screenshot(ctx, a.cfg.Selectors.CaptchaImage)
	if err != nil {
		log.Warn("captcha screenshot failed", zap.Error(err))
		return
	}
	code, err := a.solver.Solve(ctx, img)
	if err != nil {
		log.Warn("captcha solve failed", zap.Error(err))
		return
	}
	if err := page.Fill(ctx, a.cfg.Selectors.CaptchaInput, code); err != nil {
		log.Warn("captcha fill failed", zap.Error(err))
		return
	}
	log.Debug("captcha filled", zap.Int("len", len(code)))
}

func (a *Authenticator) checkErrorTip(ctx context.Context, page LoginPage) error {
	tip := a.cfg.Selectors.ErrorTip
	if tip == "" {
		return nil
	}
	visible, err := page.ElementVisible(ctx, tip)
	if err != nil || !visible {
		return nil
	}
	text, err := page.Text(ctx, tip)
	if err != nil {
		return nil
	}
	if a.cfg.CaptchaErrorText != "" && strings.Contains(text, a.cfg.CaptchaErrorText) {
		return errCaptchaRejected
	}
	for _, marker := range a.cfg.CredentialErrorTexts {
		if marker != "" && strings.Contains(text, marker) {
			return fmt.Errorf("%s: %w", strings.TrimSpace(text), bulletin.ErrFatalCredentials)
		}
	}
	return nil
}

func (a *Authenticator) loggedIn(ctx context.Context, page LoginPage) (bool, error) {
	current, err := page.URL(ctx)
	if err != nil {
		return false, fmt.Errorf("read url: %w", err)
	}
	for _, p := range a.cfg.SuccessURLPatterns {
		if p != "" && strings.Contains(current, p) {
			return true, nil
		}
	}
	for _, marker := range a.cfg.AuthenticatedMarkers {
		if marker == "" {
			continue
		}
		if ok, err := page.TextVisible(ctx, marker); err == nil && ok {
			return true, nil
		}
	}
	return false, nil
}

func (a *Authenticator) persist(ctx context.Context, page LoginPage, log *zap.Logger) (bulletin.Session, error) {
	if err := a.sleep(ctx, a.cfg.SettleDelay); err != nil {
		return bulletin.Session{}, fmt.Errorf("settle: %w", err)
	}
	session, err := page.ExportSession(ctx)
	if err != nil {
		return bulletin.Session{}, fmt.Errorf("export session: %w", err)
	}
	if session.Empty() {
		return bulletin.Session{}, ErrEmptySession
	}
	session.CreatedAt = a.now()
	if a.store != nil {
		if err := a.store.Save(ctx, session); err != nil {
			return bulletin.Session{}, fmt.Errorf("persist session: %w", err)
		}
	}
	log.Info("login succeeded", zap.Int("cookies", len(session.Cookies)), zap.Bool("storage_state", len(session.StorageState) > 0))
	return session, nil
}
