package rest

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/dmitrijs2005/authkeeper/internal/common"
	"github.com/dmitrijs2005/authkeeper/internal/server/models"
	"github.com/dmitrijs2005/authkeeper/internal/server/services"
)

const maxBodyBytes = 1 << 20

const (
	msgRegistered      = "Registration successful. Please check your email."
	msgLoggedOut       = "Logout successful"
	msgDuplicateEmail  = "Email already exists"
	msgRegisterFailed  = "Registration failed"
	msgInvalidCreds    = "Invalid credentials"
	msgLoginFailed     = "Login failed"
	msgInvalidRefresh  = "Invalid or expired refresh token"
	msgInvalidBody     = "Invalid request body"
	msgNoToken         = "Unauthorized - No token provided"
	msgInvalidToken    = "Unauthorized - Invalid token"
	msgUserNotFound    = "User not found"
	msgFetchUserFailed = "Failed to fetch user data"
	msgUnauthorized    = "Unauthorized"
)

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

type registerResponse struct {
	User    models.PublicUser `json:"user"`
	Message string            `json:"message"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	User   models.PublicUser   `json:"user"`
	Tokens *services.TokenPair `json:"tokens"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type userResponse struct {
	User models.PublicUser `json:"user"`
}

type messageResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

type healthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, msgInvalidBody, err)
		return
	}

	user, err := s.sessions.Register(r.Context(), services.RegisterInput{
		Email:    req.Email,
		Password: req.Password,
		Name:     req.Name,
	})
	if err != nil {
		switch {
		case errors.Is(err, common.ErrDuplicateEmail):
			s.writeError(w, r, http.StatusBadRequest, msgDuplicateEmail, err)
		case errors.Is(err, common.ErrorValidation):
			s.writeError(w, r, http.StatusBadRequest, validationMessage(err), err)
		default:
			s.writeError(w, r, http.StatusInternalServerError, msgRegisterFailed, err)
		}
		return
	}

	writeJSON(w, http.StatusCreated, registerResponse{User: user.Public(), Message: msgRegistered})
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, msgInvalidBody, err)
		return
	}

	res, err := s.sessions.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, common.ErrInvalidCredentials):
			s.writeError(w, r, http.StatusUnauthorized, msgInvalidCreds, err)
		case errors.Is(err, common.ErrorValidation):
			s.writeError(w, r, http.StatusBadRequest, validationMessage(err), err)
		default:
			s.writeError(w, r, http.StatusInternalServerError, msgLoginFailed, err)
		}
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{User: res.User.Public(), Tokens: res.Tokens})
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, http.StatusUnauthorized, msgInvalidRefresh, err)
		return
	}

	pair, err := s.sessions.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		s.writeError(w, r, http.StatusUnauthorized, msgInvalidRefresh, err)
		return
	}

	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err == nil {
		s.sessions.Logout(r.Context(), req.RefreshToken)
	}
	writeJSON(w, http.StatusOK, messageResponse{Success: true, Message: msgLoggedOut})
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r.Context())
	if !ok {
		s.writeError(w, r, http.StatusUnauthorized, msgUnauthorized, common.ErrorUnauthorized)
		return
	}

	user, err := s.sessions.GetUserByID(r.Context(), userID)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			s.writeError(w, r, http.StatusUnauthorized, msgUserNotFound, err)
			return
		}
		s.writeError(w, r, http.StatusInternalServerError, msgFetchUserFailed, err)
		return
	}

	writeJSON(w, http.StatusOK, userResponse{User: user.Public()})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Timestamp: s.now().UTC().Format(time.RFC3339),
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError sends the generic message and logs the underlying cause.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, msg string, cause error) {
	if cause != nil {
		level := s.logger.Warn
		if status >= http.StatusInternalServerError {
			level = s.logger.Error
		}
		level(r.Context(), msg, "error", cause, "path", r.URL.Path)
	}
	writeJSON(w, status, errorResponse{Success: false, Error: msg})
}

// validationMessage strips the sentinel prefix from a validation error.
func validationMessage(err error) string {
	return strings.TrimPrefix(err.Error(), common.ErrorValidation.Error()+": ")
}
