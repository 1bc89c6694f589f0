package scansync

import "github.com/sirupsen/logrus"

// Notifier receives the aggregate user-facing notices emitted by the
// sync engine. Implementations forward them to whatever surface the
// application uses (toasts, system notifications, a status bar).
type Notifier interface {
	Success(msg string)
	Warning(msg string)
	Error(msg string)
	Info(msg string)
}

// LogNotifier routes notices to the log. The default when no other
// surface is wired.
type LogNotifier struct {
	Log *logrus.Entry
}

func NewLogNotifier(log *logrus.Entry) *LogNotifier {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &LogNotifier{Log: log.WithField("component", "notifier")}
}

func (n *LogNotifier) Success(msg string) { n.Log.Info(msg) }
func (n *LogNotifier) Warning(msg string) { n.Log.Warn(msg) }
func (n *LogNotifier) Error(msg string)   { n.Log.Error(msg) }
func (n *LogNotifier) Info(msg string)    { n.Log.Info(msg) }
