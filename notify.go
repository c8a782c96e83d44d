package conduct

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// notificationsFile is the append-only log inside the run's work directory.
const notificationsFile = "notifications.log"

// notifyDispatcher appends structured notification records when a step with
// an on_error handler fails. Dispatch is synchronous and fire-and-forget:
// write errors are logged and swallowed, and the run proceeds regardless.
type notifyDispatcher struct {
	workdir   string
	notifiers map[string]Notifier
	logger    *slog.Logger
}

func newNotifyDispatcher(workdir string, notifiers []Notifier, logger *slog.Logger) *notifyDispatcher {
	byName := make(map[string]Notifier, len(notifiers))
	for _, n := range notifiers {
		byName[n.Name] = n
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &notifyDispatcher{workdir: workdir, notifiers: byName, logger: logger}
}

// dispatch appends one line to <workdir>/notifications.log. A known handler
// records the notifier's contact fields with "${failed_step}" substituted in
// the body; an unknown handler records a NOTIFY-MISSING line.
func (d *notifyDispatcher) dispatch(handler, failedStep string) {
	timestamp := time.Now().Format("2006-01-02 15:04:05")

	var line string
	if n, ok := d.notifiers[handler]; ok {
		body := strings.ReplaceAll(n.Body, "${failed_step}", failedStep)
		line = fmt.Sprintf("[%s] NOTIFY %s -> email: %s subject: %s body: %s\n",
			timestamp, handler, n.Email, n.Subject, body)
	} else {
		line = fmt.Sprintf("[%s] NOTIFY-MISSING %s for failed_step=%s\n",
			timestamp, handler, failedStep)
	}

	if err := appendLine(filepath.Join(d.workdir, notificationsFile), line); err != nil {
		d.logger.Error("notify dispatch failed", "handler", handler, "step", failedStep, "error", err)
	}
}

func appendLine(path string, line string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(line)
	return err
}
