package audit

import (
	"log/slog"
)

// Severity classifies audit records.
type Severity string

const (
	SeverityInfo      Severity = "info"
	SeverityStartup   Severity = "startup"
	SeverityShutdown  Severity = "shutdown"
	SeverityAction    Severity = "action"
	SeverityError     Severity = "error"
	SeverityException Severity = "exception"
)

// Message is a structured audit record. ID identifies the message
// definition so operators can filter and alert on it.
type Message struct {
	ID       string
	Severity Severity
	Text     string
	Attrs    []any
}

// Log is the audit sink consumed throughout the host. Implementations are
// fire-and-forget: they must never return an error or panic into the
// caller's path.
type Log interface {
	LogMessage(activity string, msg Message)
	LogException(activity string, msg Message, err error)
}

// SlogAudit writes audit records to a slog logger.
type SlogAudit struct {
	Logger *slog.Logger
}

func (a *SlogAudit) LogMessage(activity string, msg Message) {
	defer recoverAudit()
	logger := a.logger()
	attrs := append([]any{"audit_id", msg.ID, "severity", string(msg.Severity), "activity", activity}, msg.Attrs...)
	switch msg.Severity {
	case SeverityError, SeverityException:
		logger.Error(msg.Text, attrs...)
	default:
		logger.Info(msg.Text, attrs...)
	}
}

func (a *SlogAudit) LogException(activity string, msg Message, err error) {
	defer recoverAudit()
	logger := a.logger()
	attrs := append([]any{"audit_id", msg.ID, "severity", string(SeverityException), "activity", activity, "err", err}, msg.Attrs...)
	logger.Error(msg.Text, attrs...)
}

func (a *SlogAudit) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}

func recoverAudit() {
	// The audit sink must never throw back into core call paths.
	_ = recover()
}

// Nop discards all audit records.
type Nop struct{}

func (Nop) LogMessage(string, Message)          {}
func (Nop) LogException(string, Message, error) {}
