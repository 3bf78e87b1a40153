package http

import (
	"errors"
	"net/http"
	"net/mail"
	"strings"

	"outlay/internal/auth"
	"outlay/internal/core"
	applog "outlay/internal/log"
	"outlay/internal/storage"
)

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type userResponse struct {
	ID    int64  `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role,omitempty"`
}

func normalizeEmail(s string) (string, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(s))
	if err != nil || addr.Name != "" {
		return "", errors.New("invalid email address")
	}
	return strings.ToLower(addr.Address), nil
}

// handleRegister creates a plain user. Admins are promoted out of band.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := applog.FromContext(ctx).WithComponent(applog.ComponentAuth)

	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		BadRequestError(err.Error()).Write(w)
		return
	}

	email, err := normalizeEmail(req.Email)
	if err != nil {
		UnprocessableEntityError(err.Error()).Write(w)
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if errors.Is(err, auth.ErrPasswordLength) {
		UnprocessableEntityError(err.Error()).Write(w)
		return
	}
	if err != nil {
		logger.ErrorContext(ctx, "Failed to hash password", applog.FieldError, err)
		InternalServerError().Write(w)
		return
	}

	user, err := s.store.CreateUser(ctx, email, hash, core.RoleUser, s.now())
	if errors.Is(err, storage.ErrConflict) {
		ConflictError("Email already registered").Write(w)
		return
	}
	if err != nil {
		logger.ErrorContext(ctx, "Failed to create user",
			applog.FieldErrorType, applog.ErrorTypeDatabase,
			applog.FieldError, err)
		InternalServerError().Write(w)
		return
	}

	logger.InfoContext(ctx, "User registered", applog.FieldUserID, user.ID)
	NewJSONResponse().
		Status(http.StatusCreated).
		Body(userResponse{ID: user.ID, Email: user.Email}).
		Write(w)
}

// handleToken exchanges credentials for an access token. Unknown users and
// wrong passwords get the same answer.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := applog.FromContext(ctx).WithComponent(applog.ComponentAuth)

	p := NewRequestBodyParser(w, r)
	if err := p.Parse(); err != nil {
		BadRequestError("Malformed credentials").Write(w)
		return
	}

	email := strings.ToLower(p.Get("username", "email"))
	password := p.GetRaw("password")
	if email == "" || password == "" {
		UnprocessableEntityError("username and password are required").Write(w)
		return
	}

	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		logger.ErrorContext(ctx, "Failed to load user",
			applog.FieldErrorType, applog.ErrorTypeDatabase,
			applog.FieldError, err)
		InternalServerError().Write(w)
		return
	}
	if err != nil || auth.CheckPassword(user.PasswordHash, password) != nil {
		logger.WarnContext(ctx, "Login failed", applog.FieldErrorType, applog.ErrorTypeAuth)
		UnauthorizedError("Incorrect username or password").Write(w)
		return
	}

	token, err := s.issuer.Issue(user, s.now())
	if err != nil {
		logger.ErrorContext(ctx, "Failed to issue token", applog.FieldError, err)
		InternalServerError().Write(w)
		return
	}

	logger.InfoContext(ctx, "Token issued", applog.FieldUserID, user.ID)
	NewJSONResponse().Body(token).Write(w)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFromContext(r.Context())
	NewJSONResponse().
		Body(userResponse{ID: claims.SubjectID, Email: claims.Email, Role: string(claims.Role)}).
		Write(w)
}
