// Package notify delivers summaries to outbound channels.
//
// Fanout sends to every channel concurrently. Each channel is isolated: a
// panic or error in one never affects the others. Delivery is reported as a
// single bool following the core-channel rule described on Fanout.Send.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/portal-bulletin-watcher/internal/bulletin"
	"github.com/JakeFAU/portal-bulletin-watcher/internal/metrics"
)

// Message is what a channel delivers.
type Message struct {
	Title       string
	Body        string
	Attachments []string
}

// Channel is one outbound destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// Fanout implements bulletin.Notifier over a set of channels.
type Fanout struct {
	channels []Channel
	core     string
	logger   *zap.Logger
}

var _ bulletin.Notifier = (*Fanout)(nil)

// NewFanout validates that core, when set, names one of channels.
func NewFanout(core string, logger *zap.Logger, channels ...Channel) (*Fanout, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	seen := map[string]bool{}
	for _, ch := range channels {
		if ch == nil {
			return nil, errors.New("nil notify channel")
		}
		if seen[ch.Name()] {
			return nil, fmt.Errorf("duplicate notify channel %q", ch.Name())
		}
		seen[ch.Name()] = true
	}
	if core != "" && !seen[core] {
		return nil, fmt.Errorf("core channel %q is not enabled", core)
	}
	return &Fanout{channels: channels, core: core, logger: logger.Named("notify")}, nil
}

// Channels lists the configured channel names.
func (f *Fanout) Channels() []string {
	out := make([]string, 0, len(f.channels))
	for _, ch := range f.channels {
		out = append(out, ch.Name())
	}
	return out
}

// Send delivers to every channel and waits for all of them. It returns false
// iff the core channel failed, or, with no core configured, iff every
// channel failed. No channels at all counts as failure.
func (f *Fanout) Send(ctx context.Context, title, body string, attachments []string) bool {
	if len(f.channels) == 0 {
		f.logger.Error("no notify channels configured", zap.String("title", title))
		return false
	}
	msg := Message{Title: title, Body: body, Attachments: attachments}

	results := make([]error, len(f.channels))
	var wg sync.WaitGroup
	for i, ch := range f.channels {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = deliver(ctx, ch, msg)
		}()
	}
	wg.Wait()

	anyOK := false
	coreOK := true
	for i, ch := range f.channels {
		err := results[i]
		metrics.ObserveNotify(ch.Name(), err == nil)
		if err != nil {
			f.logger.Warn("notify channel failed", zap.String("channel", ch.Name()), zap.String("title", title), zap.Error(err))
			if ch.Name() == f.core {
				coreOK = false
			}
			continue
		}
		anyOK = true
		f.logger.Info("notification sent", zap.String("channel", ch.Name()), zap.String("title", title))
	}
	if f.core != "" {
		return coreOK
	}
	return anyOK
}

func deliver(ctx context.Context, ch Channel, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("channel %s panicked: %v", ch.Name(), r)
		}
	}()
	return ch.Send(ctx, msg)
}

var markdownMarkers = strings.NewReplacer("**", "", "##", "")

// PlainText strips the bold and heading markers summaries are written with.
func PlainText(s string) string {
	return markdownMarkers.Replace(s)
}
