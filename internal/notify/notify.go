// Package notify is the boundary to the presentation/notification layer.
// The engine hands over fully-formed triples; display is someone else's job.
package notify

import (
	"github.com/openhail/ridesync/internal/pkg/logger"
)

// Notifier receives structured notifications for presentation
type Notifier interface {
	Notify(title, message string, data map[string]interface{})
}

// LogNotifier writes notifications to the log; the default when no
// presentation layer is attached
type LogNotifier struct {
	log *logger.ZapLogger
}

// NewLogNotifier creates a LogNotifier
func NewLogNotifier(log *logger.ZapLogger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Notify(title, message string, data map[string]interface{}) {
	n.log.Info("Notification",
		logger.String("title", title),
		logger.String("message", message),
		logger.Any("data", data))
}

// FuncNotifier adapts a plain function to the Notifier interface
type FuncNotifier func(title, message string, data map[string]interface{})

func (f FuncNotifier) Notify(title, message string, data map[string]interface{}) {
	f(title, message, data)
}
