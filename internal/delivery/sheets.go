package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"google.golang.org/api/googleapi"
	goption "google.golang.org/api/option"
	gsheet "google.golang.org/api/sheets/v4"

	applog "outlay/internal/log"
)

type SheetsConfig struct {
	SpreadsheetID string
	SheetName     string
	// Service account credentials, inline JSON or a file path.
	CredentialsJSON string
	CredentialsFile string
}

// SheetsChannel appends each report as rows of a spreadsheet: one row per
// category plus a total row.
type SheetsChannel struct {
	svc           *gsheet.Service
	spreadsheetID string
	sheetName     string
}

// NewSheetsChannel builds the Sheets service from service account
// credentials. Extra options are appended, which lets tests point the
// client at a local server.
func NewSheetsChannel(ctx context.Context, cfg SheetsConfig, opts ...goption.ClientOption) (*SheetsChannel, error) {
	if strings.TrimSpace(cfg.SpreadsheetID) == "" {
		return nil, errors.New("missing spreadsheet id")
	}
	if cfg.SheetName == "" {
		cfg.SheetName = "Reports"
	}

	if len(opts) == 0 {
		creds, err := serviceAccountJSON(cfg)
		if err != nil {
			return nil, err
		}
		opts = []goption.ClientOption{
			goption.WithCredentialsJSON(creds),
			goption.WithScopes(gsheet.SpreadsheetsScope),
		}
	}

	svc, err := gsheet.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}

	slog.InfoContext(ctx, "Google Sheets channel ready",
		"spreadsheet_id", cfg.SpreadsheetID,
		"sheet", cfg.SheetName)

	return &SheetsChannel{svc: svc, spreadsheetID: cfg.SpreadsheetID, sheetName: cfg.SheetName}, nil
}

func serviceAccountJSON(cfg SheetsConfig) ([]byte, error) {
	switch {
	case strings.TrimSpace(cfg.CredentialsJSON) != "":
		return []byte(cfg.CredentialsJSON), nil
	case strings.TrimSpace(cfg.CredentialsFile) != "":
		b, err := os.ReadFile(cfg.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("read service account file: %w", err)
		}
		return b, nil
	default:
		return nil, errors.New("missing service account credentials (set GOOGLE_SERVICE_ACCOUNT_JSON or GOOGLE_SERVICE_ACCOUNT_FILE)")
	}
}

func (c *SheetsChannel) Name() string { return "sheets" }

func (c *SheetsChannel) Deliver(ctx context.Context, r Report) error {
	if r.To == "" {
		return Permanent("missing recipient")
	}

	period := r.Period.String()
	values := make([][]any, 0, len(r.Rows)+1)
	for _, row := range r.Rows {
		values = append(values, []any{period, r.To, row.Name, row.Total.String()})
	}
	values = append(values, []any{period, r.To, "Total", r.Total.String()})

	rng := fmt.Sprintf("%s!A:D", c.sheetName)
	resp, err := c.svc.Spreadsheets.Values.Append(c.spreadsheetID, rng, &gsheet.ValueRange{Values: values}).
		ValueInputOption("USER_ENTERED").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).
		Do()
	if err != nil {
		return classifyGoogle(err)
	}

	if resp.Updates != nil {
		slog.DebugContext(ctx, "Report appended to sheet",
			applog.FieldChannel, "sheets",
			applog.FieldUserID, r.UserID,
			"range", resp.Updates.UpdatedRange,
			"rows", resp.Updates.UpdatedRows)
	}
	return nil
}

// classifyGoogle treats throttling and server errors as transient and any
// other API rejection as permanent. Transport failures are retryable.
func classifyGoogle(err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return Retryable("sheets request failed").Wrap(err)
	}
	switch {
	case gerr.Code == http.StatusTooManyRequests,
		gerr.Code == http.StatusRequestTimeout,
		gerr.Code >= 500:
		return Retryable(fmt.Sprintf("sheets api returned %d", gerr.Code)).Wrap(err)
	default:
		return Permanent(fmt.Sprintf("sheets api rejected request (%d)", gerr.Code)).Wrap(err)
	}
}
