// internal/controller/campaign_controller.go
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	appErrors "github.com/unclebandit/smsblast/internal/errors"
	"github.com/unclebandit/smsblast/internal/queue"
	"github.com/unclebandit/smsblast/internal/service"
)

// Authentication happens upstream; the gateway passes the caller's ids.
const (
	HeaderOrgID  = "X-Org-ID"
	HeaderUserID = "X-User-ID"
)

type CampaignServiceInterface interface {
	Send(ctx context.Context, orgID, userID, campaignID string, scheduleAt *time.Time) (*service.SendCampaignResult, error)
	Status(ctx context.Context, orgID, campaignID string) (*service.CampaignDetails, error)
}

type CampaignController struct {
	CampaignService CampaignServiceInterface
}

// Routes mounts the campaign endpoints on r.
func (c *CampaignController) Routes(r chi.Router) {
	r.Post("/campaigns/{id}/send", c.SendCampaign)
	r.Get("/campaigns/{id}", c.GetCampaignDetails)
}

func (c *CampaignController) SendCampaign(w http.ResponseWriter, r *http.Request) {
	orgID, userID, ok := callerIDs(w, r)
	if !ok {
		return
	}

	var body struct {
		ScheduleAt *time.Time `json:"schedule_at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	result, err := c.CampaignService.Send(r.Context(), orgID, userID, chi.URLParam(r, "id"), body.ScheduleAt)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

func (c *CampaignController) GetCampaignDetails(w http.ResponseWriter, r *http.Request) {
	orgID, _, ok := callerIDs(w, r)
	if !ok {
		return
	}

	details, err := c.CampaignService.Status(r.Context(), orgID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

func callerIDs(w http.ResponseWriter, r *http.Request) (orgID, userID string, ok bool) {
	orgID = r.Header.Get(HeaderOrgID)
	if orgID == "" {
		http.Error(w, "missing "+HeaderOrgID+" header", http.StatusUnauthorized)
		return "", "", false
	}
	return orgID, r.Header.Get(HeaderUserID), true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("failed to write response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	var notSendable *appErrors.ErrCampaignNotSendable
	switch {
	case appErrors.IsNotFound(err), errors.Is(err, queue.ErrJobNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.As(err, &notSendable):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, appErrors.ErrInvalidRequest):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		log.Error().Err(err).Msg("❌ Request failed")
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}
