// Package notify is the user-facing notification sink: fire-and-forget
// success/error toasts. Calls never block and never fail.
package notify

import "github.com/rs/zerolog"

type Notifier interface {
	Success(msg string)
	Error(msg string)
}

// LogNotifier renders toasts as structured log lines, which is what a
// headless client has instead of a screen.
type LogNotifier struct {
	log *zerolog.Logger
}

func NewLogNotifier(log *zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Success(msg string) {
	n.log.Info().Str("toast", "success").Msg(msg)
}

func (n *LogNotifier) Error(msg string) {
	n.log.Warn().Str("toast", "error").Msg(msg)
}
