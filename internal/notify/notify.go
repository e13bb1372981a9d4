// Package notify defines the UI notifier collaborator.
//
// The core publishes short toast-style messages around connectivity
// transitions and sync outcomes; what renders them (terminal, web client,
// nothing) is the embedding application's business.
package notify

import "log"

// Level indicates toast severity.
type Level string

const (
	Success Level = "success"
	Info    Level = "info"
	Warning Level = "warning"
	Error   Level = "error"
)

// Notifier displays transient messages to the user.
type Notifier interface {
	Toast(message string, level Level)
}

// LogNotifier writes toasts to a logger. It is the default collaborator
// for the daemon and for tests.
type LogNotifier struct {
	logger *log.Logger
}

// NewLogNotifier wraps logger; a nil logger uses log.Default().
func NewLogNotifier(logger *log.Logger) *LogNotifier {
	if logger == nil {
		logger = log.Default()
	}
	return &LogNotifier{logger: logger}
}

// Toast implements Notifier.
func (n *LogNotifier) Toast(message string, level Level) {
	n.logger.Printf("[%s] %s", level, message)
}

// Discard is a Notifier that drops every message.
type Discard struct{}

// Toast implements Notifier.
func (Discard) Toast(string, Level) {}
