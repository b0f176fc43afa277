// internal/handler/phone_number_handler.go
package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	appErrors "github.com/unclebandit/smsblast/internal/errors"
	"github.com/unclebandit/smsblast/internal/ratelimit"
)

// PhoneNumberHandler exposes the rate-limit window of sending numbers.
type PhoneNumberHandler struct {
	Limiter ratelimit.Limiter
}

// NewPhoneNumberHandler creates a PhoneNumberHandler backed by limiter.
func NewPhoneNumberHandler(limiter ratelimit.Limiter) *PhoneNumberHandler {
	return &PhoneNumberHandler{Limiter: limiter}
}

// RateLimitHandler returns the current window for the number in the path.
func (h *PhoneNumberHandler) RateLimitHandler(w http.ResponseWriter, r *http.Request) {
	phone := chi.URLParam(r, "phone")
	if phone == "" {
		http.Error(w, "phone number is required", http.StatusBadRequest)
		return
	}

	info, err := h.Limiter.Remaining(r.Context(), phone)
	if err != nil {
		if errors.Is(err, appErrors.ErrPhoneNumberNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		log.Error().Err(err).Str("phone", phone).Msg("failed to read rate limit")
		http.Error(w, "failed to read rate limit", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(info)
}
