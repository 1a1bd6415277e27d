package recipe

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"recipegen/common"
)

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	logger := common.GetLogger(r.Context())

	userID, ok := r.Context().Value(common.UserIDCtxKey).(int)
	if !ok {
		http.Error(w, "invalid user ID in context", http.StatusInternalServerError)
		return
	}

	recipes, err := h.service.List(r.Context(), userID)
	if err != nil {
		logger.Printf("Failed to list recipes for user %d: %v", userID, err)
		http.Error(w, "failed to list recipes", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(recipes)
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	logger := common.GetLogger(r.Context())

	userID, ok := r.Context().Value(common.UserIDCtxKey).(int)
	if !ok {
		http.Error(w, "invalid user ID in context", http.StatusInternalServerError)
		return
	}

	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid recipe ID", http.StatusBadRequest)
		return
	}

	rec, err := h.service.Get(r.Context(), userID, id)
	if errors.Is(err, ErrNotFound) {
		http.Error(w, "recipe not found", http.StatusNotFound)
		return
	}
	if err != nil {
		logger.Printf("Failed to get recipe %d for user %d: %v", id, userID, err)
		http.Error(w, "failed to get recipe", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rec)
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
		http.Error(w, "invalid recipe ID", http.StatusBadRequest)
		return
	}

	if err := h.service.Delete(r.Context(), userID, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			http.Error(w, "recipe not found", http.StatusNotFound)
			return
		}
		logger.Printf("Failed to delete recipe %d for user %d: %v", id, userID, err)
		http.Error(w, "failed to delete recipe", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	logger := common.GetLogger(r.Context())

	userID, ok := r.Context().Value(common.UserIDCtxKey).(int)
	if !ok {
		http.Error(w, "invalid user ID in context", http.StatusInternalServerError)
		return
	}

	recipes, err := h.service.Generate(r.Context(), userID)
	switch {
	case errors.Is(err, ErrSubscriptionRequired):
		http.Error(w, "active subscription required", http.StatusPaymentRequired)
		return
	case errors.Is(err, ErrNoIngredients):
		http.Error(w, "add some ingredients first", http.StatusBadRequest)
		return
	case err != nil:
		logger.Printf("Failed to generate recipes for user %d: %v", userID, err)
		http.Error(w, "failed to generate recipes", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(recipes)
}
