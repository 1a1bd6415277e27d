package login

import (
	"encoding/json"
	"errors"
	"net/http"

	"recipegen/common"

	"github.com/go-playground/validator/v10"
)

type HTTPHandler struct {
	service  *Service
	validate *validator.Validate
}

func NewHTTPHandler(service *Service) *HTTPHandler {
	return &HTTPHandler{
		service:  service,
		validate: validator.New(),
	}
}

type registerRequest struct {
	Email       string `json:"email" validate:"required,email"`
	Password    string `json:"password" validate:"required,min=8"`
	DisplayName string `json:"display_name" validate:"max=50"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

func (h *HTTPHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	logger := common.GetLogger(r.Context())

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		logger.Printf("Registration validation failed: %v", err)
		http.Error(w, "email and a password of at least 8 characters are required", http.StatusBadRequest)
		return
	}

	userID, err := h.service.Register(r.Context(), req.Email, req.Password, req.DisplayName)
	if errors.Is(err, ErrEmailTaken) {
		http.Error(w, "email already registered", http.StatusConflict)
		return
	}
	if err != nil {
		logger.Printf("Registration failed: %v", err)
		http.Error(w, "registration failed", http.StatusInternalServerError)
		return
	}

	accessToken, refreshToken, err := h.service.GenerateTokens(r.Context(), userID)
	if err != nil {
		logger.Printf("Failed to generate tokens for new user %d: %v", userID, err)
		http.Error(w, "registration failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(tokenResponse{AccessToken: accessToken, RefreshToken: refreshToken})
}

func (h *HTTPHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	logger := common.GetLogger(r.Context())

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		logger.Printf("Login validation failed: %v", err)
		http.Error(w, "email and password are required", http.StatusBadRequest)
		return
	}

	accessToken, refreshToken, err := h.service.Login(r.Context(), req.Email, req.Password)
	if errors.Is(err, ErrInvalidCredentials) {
		http.Error(w, "invalid email or password", http.StatusUnauthorized)
		return
	}
	if err != nil {
		logger.Printf("Login failed: %v", err)
		http.Error(w, "login failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(tokenResponse{AccessToken: accessToken, RefreshToken: refreshToken})
}

func (h *HTTPHandler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	logger := common.GetLogger(r.Context())

	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		http.Error(w, "refresh token is required", http.StatusBadRequest)
		return
	}

	accessToken, refreshToken, err := h.service.RefreshTokens(r.Context(), req.RefreshToken)
	if err != nil {
		logger.Printf("Token refresh failed: %v", err)
		http.Error(w, "invalid refresh token", http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(tokenResponse{AccessToken: accessToken, RefreshToken: refreshToken})
}

func (h *HTTPHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	logger := common.GetLogger(r.Context())

	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		http.Error(w, "refresh token is required", http.StatusBadRequest)
		return
	}

	if err := h.service.Logout(r.Context(), req.RefreshToken); err != nil {
		logger.Printf("Logout failed: %v", err)
		http.Error(w, "logout failed", http.StatusUnauthorized)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
