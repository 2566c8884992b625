// Package summarize condenses fetched notices into notification text with a
// chat model, or decides they are not worth sending.
package summarize

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/JakeFAU/portal-bulletin-watcher/internal/bulletin"
)

// minContextRunes is the size below which a notice is ignored outright.
const minContextRunes = 20

// filterContextRunes bounds the context handed to the filter model.
const filterContextRunes = 3000

const filterPrompt = `You screen announcements from a university portal for students and staff.
Reply with exactly one word: KEEP if the announcement contains actionable or
time-bound information (deadlines, registrations, schedules, lists of names,
competitions, exams, tenders, lectures), otherwise IGNORE.`

const summaryPrompt = `You extract key facts from a university portal announcement.
Write in the language of the announcement, using this Markdown layout:

**Title**: the original title without decoration

**Key points**:
- concrete tracks, positions, research directions or categories, listed in full
- hard requirements such as rankings, majors or certificates
- amounts and quota limits
- the essential steps of any procedure

**Contact**: people, phone numbers, emails, group numbers, offices, or "none"

**Attachments and links**: important URLs, registration links, attachment names

**Deadline**: the exact date and time`

// AttachmentText assembles the text of downloaded files.
type AttachmentText interface {
	Assemble(paths []string) string
}

// Config names the models used at each stage. An empty FilterModel skips
// screening; FallbackModel is tried when PrimaryModel fails.
type Config struct {
	FilterModel     string
	PrimaryModel    string
	FallbackModel   string
	MaxContextChars int
}

// Chat implements bulletin.Summarizer on top of a Completer.
type Chat struct {
	cfg         Config
	client      Completer
	attachments AttachmentText
	prefilter   Prefilter
	logger      *zap.Logger
}

var _ bulletin.Summarizer = (*Chat)(nil)

// New builds a Chat summarizer. attachments and prefilter may be nil.
func New(cfg Config, client Completer, attachments AttachmentText, prefilter Prefilter, logger *zap.Logger) *Chat {
	if cfg.MaxContextChars <= 0 {
		cfg.MaxContextChars = 12000
	}
	if prefilter == nil {
		prefilter = KeywordPrefilter(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chat{cfg: cfg, client: client, attachments: attachments, prefilter: prefilter, logger: logger}
}

// Summarize returns the notification text for result, bulletin.IgnoreSentinel
// when the notice carries nothing worth sending, or ErrSummaryUnavailable when
// no model produced a summary.
func (c *Chat) Summarize(ctx context.Context, result bulletin.FetchResult, title string) (string, error) {
	attached := ""
	if c.attachments != nil {
		attached = c.attachments.Assemble(result.Files())
	}
	if utf8.RuneCountInString(strings.TrimSpace(title+result.MainText+attached)) < minContextRunes {
		return bulletin.IgnoreSentinel, nil
	}
	title = displayTitle(title, result.MainText)
	full := fmt.Sprintf("Title: %s\n\nPage text:\n%s\n%s", title, result.MainText, attached)
	full = truncate(full, c.cfg.MaxContextChars)

	if c.cfg.FilterModel != "" && !c.prefilter.ForceKeep(title) {
		verdict, err := c.client.Complete(ctx, c.cfg.FilterModel, filterPrompt, truncate(full, filterContextRunes))
		switch {
		case err != nil:
			c.logger.Warn("filter model failed, keeping notice", zap.String("model", c.cfg.FilterModel), zap.Error(err))
		case strings.Contains(strings.ToUpper(verdict), bulletin.IgnoreSentinel):
			c.logger.Info("notice filtered out", zap.String("title", title))
			return bulletin.IgnoreSentinel, nil
		}
	}

	for _, model := range []string{c.cfg.PrimaryModel, c.cfg.FallbackModel} {
		if model == "" {
			continue
		}
		summary, err := c.client.Complete(ctx, model, summaryPrompt, full)
		if err != nil {
			c.logger.Warn("summary model failed", zap.String("model", model), zap.Error(err))
			continue
		}
		if summary = strings.TrimSpace(summary); summary != "" {
			return summary, nil
		}
	}
	return "", bulletin.ErrSummaryUnavailable
}

func displayTitle(title, text string) string {
	if t := strings.TrimSpace(title); t != "" {
		return t
	}
	if first, _, _ := strings.Cut(strings.TrimSpace(text), "\n"); first != "" {
		return first
	}
	return "untitled"
}

func truncate(s string, n int) string {
	if n <= 0 {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
