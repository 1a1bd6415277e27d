package ingredient

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"recipegen/common"

	"github.com/go-playground/validator/v10"
)

type Handler struct {
	service  *Service
	validate *validator.Validate
}

func NewHandler(service *Service) *Handler {
	return &Handler{
		service:  service,
		validate: validator.New(),
	}
}

type ingredientRequest struct {
	Name     string `json:"name" validate:"required,min=1,max=100"`
	Category string `json:"category" validate:"max=50"`
}

func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	logger := common.GetLogger(r.Context())

	userID, ok := r.Context().Value(common.UserIDCtxKey).(int)
	if !ok {
		http.Error(w, "invalid user ID in context", http.StatusInternalServerError)
		return
	}

	ingredients, err := h.service.List(r.Context(), userID)
	if err != nil {
		logger.Printf("Failed to list ingredients for user %d: %v", userID, err)
		http.Error(w, "failed to list ingredients", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ingredients)
}

func (h *Handler) HandleAdd(w http.ResponseWriter, r *http.Request) {
	logger := common.GetLogger(r.Context())

	userID, ok := r.Context().Value(common.UserIDCtxKey).(int)
	if !ok {
		http.Error(w, "invalid user ID in context", http.StatusInternalServerError)
		return
	}

	var req ingredientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		http.Error(w, "ingredient name is required", http.StatusBadRequest)
		return
	}

	ing, err := h.service.Add(r.Context(), userID, req.Name, req.Category)
	if errors.Is(err, ErrDuplicate) {
		http.Error(w, "ingredient already exists", http.StatusConflict)
		return
	}
	if err != nil {
		logger.Printf("Failed to add ingredient for user %d: %v", userID, err)
		http.Error(w, "failed to add ingredient", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(ing)
}

func (h *Handler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	logger := common.GetLogger(r.Context())

	userID, ok := r.Context().Value(common.UserIDCtxKey).(int)
	if !ok {
		http.Error(w, "invalid user ID in context", http.StatusInternalServerError)
		return
	}

	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid ingredient ID", http.StatusBadRequest)
		return
	}

	var req ingredientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		http.Error(w, "ingredient name is required", http.StatusBadRequest)
		return
	}

	ing, err := h.service.Update(r.Context(), userID, id, req.Name, req.Category)
	if errors.Is(err, ErrNotFound) {
		http.Error(w, "ingredient not found", http.StatusNotFound)
		return
	}
	if err != nil {
		logger.Printf("Failed to update ingredient %d for user %d: %v", id, userID, err)
		http.Error(w, "failed to update ingredient", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ing)
}

func (h *Handler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	logger := common.GetLogger(r.Context())

	userID, ok := r.Context().Value(common.UserIDCtxKey).(int)
	if !ok {
		http.Error(w, "invalid user ID in context", http.StatusInternalServerError)
		return
	}

	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid ingredient ID", http.StatusBadRequest)
		return
	}

	if err := h.service.Delete(r.Context(), userID, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			http.Error(w, "ingredient not found", http.StatusNotFound)
			return
		}
		logger.Printf("Failed to delete ingredient %d for user %d: %v", id, userID, err)
		http.Error(w, "failed to delete ingredient", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
