package http

import (
	"errors"
	"net/http"

	"outlay/internal/auth"
	applog "outlay/internal/log"
	"outlay/internal/storage"
)

type monthlyReportRequest struct {
	Year  *int `json:"year"`
	Month *int `json:"month"`
}

type monthlyReportResponse struct {
	Queued  int    `json:"queued"`
	Period  string `json:"period"`
	Message string `json:"message,omitempty"`
}

// handleMonthlyReports enqueues one report job per user. The body is
// optional and defaults to the current UTC month.
func (s *Server) handleMonthlyReports(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := applog.FromContext(ctx).WithComponent(applog.ComponentJobs)

	var req monthlyReportRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		BadRequestError(err.Error()).Write(w)
		return
	}

	period, err := parsePeriod(req.Year, req.Month, s.now())
	if err != nil {
		UnprocessableEntityError(err.Error()).Write(w)
		return
	}

	res, err := s.reports.EnqueueMonthly(ctx, period)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to enqueue monthly reports",
			applog.FieldPeriod, period.String(),
			applog.FieldOperation, applog.OpEnqueue,
			applog.FieldError, err)
		InternalServerError().Write(w)
		return
	}

	if res.Queued == 0 {
		NewJSONResponse().
			Body(monthlyReportResponse{Period: period.String(), Message: "No users to send reports to"}).
			Write(w)
		return
	}

	NewJSONResponse().
		Status(http.StatusAccepted).
		Body(monthlyReportResponse{Queued: res.Queued, Period: period.String()}).
		Write(w)
}

type adminExpenseResponse struct {
	OwnerID int64 `json:"owner_id"`
	expenseResponse
}

type adminExpenseListResponse struct {
	Expenses []adminExpenseResponse `json:"expenses"`
	Limit    int                    `json:"limit"`
	Offset   int                    `json:"offset"`
}

// handleAdminListExpenses lists every user's expenses.
func (s *Server) handleAdminListExpenses(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit, offset, err := parsePage(r.URL.Query())
	if err != nil {
		UnprocessableEntityError(err.Error()).Write(w)
		return
	}

	expenses, err := s.store.ListAllExpenses(ctx, limit, offset)
	if err != nil {
		applog.FromContext(ctx).ErrorContext(ctx, "Failed to list all expenses",
			applog.FieldOperation, applog.OpRead,
			applog.FieldError, err)
		InternalServerError().Write(w)
		return
	}

	res := adminExpenseListResponse{Expenses: make([]adminExpenseResponse, len(expenses)), Limit: limit, Offset: offset}
	for i, e := range expenses {
		res.Expenses[i] = adminExpenseResponse{OwnerID: e.OwnerID, expenseResponse: newExpenseResponse(e)}
	}
	NewJSONResponse().Body(res).Write(w)
}

// handleAdminDeleteExpense deletes any user's expense.
func (s *Server) handleAdminDeleteExpense(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, _ := auth.ClaimsFromContext(ctx)
	logger := applog.FromContext(ctx)

	id, ok := parseID(r, "id")
	if !ok {
		NotFoundError("Expense not found").Write(w)
		return
	}

	err := s.store.DeleteAnyExpense(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		NotFoundError("Expense not found").Write(w)
		return
	}
	if err != nil {
		logger.ErrorContext(ctx, "Failed to delete expense",
			applog.FieldOperation, applog.OpDelete,
			applog.FieldError, err)
		InternalServerError().Write(w)
		return
	}

	logger.InfoContext(ctx, "Expense deleted by admin",
		applog.FieldUserID, claims.SubjectID,
		"expense_id", id)
	w.WriteHeader(http.StatusNoContent)
}
