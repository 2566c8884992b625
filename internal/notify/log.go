package notify

import (
	"context"

	"go.uber.org/zap"
)

// Log writes notifications to the logger. It is used for dry runs and when
// no outbound channel is enabled.
type Log struct {
	logger *zap.Logger
}

// NewLog returns a Log channel.
func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{logger: logger}
}

// Name implements Channel.
func (*Log) Name() string { return "log" }

// Send implements Channel.
func (l *Log) Send(_ context.Context, msg Message) error {
	l.logger.Info("bulletin",
		zap.String("title", msg.Title),
		zap.String("body", msg.Body),
		zap.Strings("attachments", msg.Attachments),
	)
	return nil
}
