package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"outlay/internal/auth"
	"outlay/internal/category"
	"outlay/internal/core"
	"outlay/internal/dbx"
	applog "outlay/internal/log"
	"outlay/internal/storage"
)

type expenseRequest struct {
	Amount      json.Number `json:"amount"`
	Category    string      `json:"category"`
	Description string      `json:"description"`
	Date        string      `json:"date,omitempty"`
}

type expenseResponse struct {
	ID          int64       `json:"id"`
	Amount      json.Number `json:"amount"`
	Category    string      `json:"category"`
	CategoryID  int64       `json:"category_id"`
	Description string      `json:"description"`
	Date        string      `json:"date"`
}

func newExpenseResponse(e core.Expense) expenseResponse {
	return expenseResponse{
		ID:          e.ID,
		Amount:      json.Number(e.Amount.String()),
		Category:    e.Category,
		CategoryID:  e.CategoryID,
		Description: e.Description,
		Date:        e.Date.String(),
	}
}

// toExpense validates the request into an expense owned by ownerID.
func (s *Server) toExpense(req expenseRequest, ownerID int64) (core.Expense, error) {
	amount, err := parseAmount(req.Amount)
	if err != nil {
		return core.Expense{}, err
	}
	date, err := parseExpenseDate(req.Date, s.now())
	if err != nil {
		return core.Expense{}, err
	}

	now := s.now()
	e := core.Expense{
		OwnerID:     ownerID,
		Category:    strings.TrimSpace(req.Category),
		Amount:      amount,
		Description: sanitizeInput(req.Description),
		Date:        date,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return e, e.Validate()
}

// saveExpense resolves the category and writes the expense in one
// transaction, so a failed write never leaves a fresh category behind.
func (s *Server) saveExpense(ctx context.Context, e core.Expense, write func(context.Context, dbx.DBTX, core.Expense) (core.Expense, error)) (core.Expense, error) {
	var saved core.Expense
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		cat, err := s.resolver.ResolveTx(ctx, tx, e.OwnerID, e.Category)
		if err != nil {
			return err
		}
		e.CategoryID = cat.ID
		saved, err = write(ctx, tx, e)
		saved.Category = cat.Name
		return err
	})
	return saved, err
}

func (s *Server) handleCreateExpense(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, _ := auth.ClaimsFromContext(ctx)
	logger := applog.FromContext(ctx).WithComponent(applog.ComponentCategory)

	var req expenseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		BadRequestError(err.Error()).Write(w)
		return
	}
	e, err := s.toExpense(req, claims.SubjectID)
	if err != nil {
		UnprocessableEntityError(err.Error()).Write(w)
		return
	}

	created, err := s.saveExpense(ctx, e, s.store.CreateExpense)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to create expense",
			applog.FieldUserID, claims.SubjectID,
			applog.FieldOperation, applog.OpCreate,
			applog.FieldError, err)
		InternalServerError().Write(w)
		return
	}

	NewJSONResponse().
		Status(http.StatusCreated).
		Header("Location", "/expenses/"+strconv.FormatInt(created.ID, 10)).
		Body(newExpenseResponse(created)).
		Write(w)
}

func (s *Server) handleUpdateExpense(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, _ := auth.ClaimsFromContext(ctx)
	logger := applog.FromContext(ctx).WithComponent(applog.ComponentCategory)

	id, ok := parseID(r, "id")
	if !ok {
		NotFoundError("Expense not found").Write(w)
		return
	}

	var req expenseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		BadRequestError(err.Error()).Write(w)
		return
	}
	e, err := s.toExpense(req, claims.SubjectID)
	if err != nil {
		UnprocessableEntityError(err.Error()).Write(w)
		return
	}
	e.ID = id

	updated, err := s.saveExpense(ctx, e, s.store.UpdateExpense)
	if errors.Is(err, storage.ErrNotFound) {
		NotFoundError("Expense not found").Write(w)
		return
	}
	if err != nil {
		logger.ErrorContext(ctx, "Failed to update expense",
			applog.FieldUserID, claims.SubjectID,
			applog.FieldOperation, applog.OpUpdate,
			applog.FieldError, err)
		InternalServerError().Write(w)
		return
	}

	NewJSONResponse().Body(newExpenseResponse(updated)).Write(w)
}

type expenseListResponse struct {
	Expenses []expenseResponse `json:"expenses"`
	Limit    int               `json:"limit"`
	Offset   int               `json:"offset"`
}

func (s *Server) handleListExpenses(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, _ := auth.ClaimsFromContext(ctx)

	limit, offset, err := parsePage(r.URL.Query())
	if err != nil {
		UnprocessableEntityError(err.Error()).Write(w)
		return
	}

	expenses, err := s.store.ListExpenses(ctx, claims.SubjectID, limit, offset)
	if err != nil {
		applog.FromContext(ctx).ErrorContext(ctx, "Failed to list expenses",
			applog.FieldUserID, claims.SubjectID,
			applog.FieldOperation, applog.OpRead,
			applog.FieldError, err)
		InternalServerError().Write(w)
		return
	}

	res := expenseListResponse{Expenses: make([]expenseResponse, len(expenses)), Limit: limit, Offset: offset}
	for i, e := range expenses {
		res.Expenses[i] = newExpenseResponse(e)
	}
	NewJSONResponse().Body(res).Write(w)
}

func (s *Server) handleDeleteExpense(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, _ := auth.ClaimsFromContext(ctx)

	id, ok := parseID(r, "id")
	if !ok {
		NotFoundError("Expense not found").Write(w)
		return
	}

	err := s.store.DeleteExpense(ctx, claims.SubjectID, id)
	if errors.Is(err, storage.ErrNotFound) {
		NotFoundError("Expense not found").Write(w)
		return
	}
	if err != nil {
		applog.FromContext(ctx).ErrorContext(ctx, "Failed to delete expense",
			applog.FieldUserID, claims.SubjectID,
			applog.FieldOperation, applog.OpDelete,
			applog.FieldError, err)
		InternalServerError().Write(w)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type renameRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type renameResponse struct {
	UpdatedCount int     `json:"updated_count"`
	UpdatedIDs   []int64 `json:"updated_ids"`
}

func (s *Server) handleRenameCategory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, _ := auth.ClaimsFromContext(ctx)
	logger := applog.FromContext(ctx).WithComponent(applog.ComponentCategory)

	var req renameRequest
	if err := decodeJSON(w, r, &req); err != nil {
		BadRequestError(err.Error()).Write(w)
		return
	}

	res, err := s.resolver.Rename(ctx, claims.SubjectID, req.From, req.To)
	if errors.Is(err, category.ErrEmptyName) {
		UnprocessableEntityError(err.Error()).Write(w)
		return
	}
	if err != nil {
		logger.ErrorContext(ctx, "Category rename aborted",
			applog.FieldUserID, claims.SubjectID,
			applog.FieldOperation, applog.OpRename,
			applog.FieldError, err)
		ErrorResponse(http.StatusInternalServerError, "Category rename failed; no expenses were changed").Write(w)
		return
	}

	logger.InfoContext(ctx, "Category renamed",
		applog.FieldUserID, claims.SubjectID,
		"from", req.From,
		"to", req.To,
		"updated_count", res.UpdatedCount)
	NewJSONResponse().
		Body(renameResponse{UpdatedCount: res.UpdatedCount, UpdatedIDs: res.UpdatedIDs}).
		Write(w)
}
