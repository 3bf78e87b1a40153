package delivery

import (
	"context"
	"log/slog"

	applog "outlay/internal/log"
)

// LogChannel writes reports to the log instead of sending them. It is the
// default channel for local runs.
type LogChannel struct{}

func (LogChannel) Name() string { return "log" }

func (LogChannel) Deliver(ctx context.Context, r Report) error {
	if r.To == "" {
		return Permanent("missing recipient")
	}
	slog.InfoContext(ctx, "Report delivered to log",
		applog.FieldChannel, "log",
		applog.FieldUserID, r.UserID,
		applog.FieldPeriod, r.Period.String(),
		"to", r.To,
		"subject", r.Subject,
		"categories", len(r.Rows),
		"total", r.Total.String())
	return nil
}
