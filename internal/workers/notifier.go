package workers

import (
	"context"

	logpkg "github.com/benvon/idea-tagger/internal/logger"
	"go.uber.org/zap"
)

// Notifier tells operators that a filter run failed
type Notifier interface {
	NotifyFailure(ctx context.Context, filterID int64, err error)
}

// LogNotifier reports failures through the structured log
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a notifier that logs at error level
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

// NotifyFailure logs the failed run
func (n *LogNotifier) NotifyFailure(_ context.Context, filterID int64, err error) {
	n.logger.Error("bulk_tag_run_failed_notification",
		zap.Int64("filter_id", filterID),
		zap.String("error", logpkg.SanitizeError(err)),
	)
}
