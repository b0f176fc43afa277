package controller

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/unclebandit/smsblast/internal/model"
	"github.com/unclebandit/smsblast/internal/service"
)

type ImportServiceInterface interface {
	Enqueue(ctx context.Context, job model.ContactImportJob) (string, error)
	Status(ctx context.Context, jobID string) (*service.ImportStatus, error)
}

type ImportController struct {
	ImportService ImportServiceInterface
}

func (c *ImportController) Routes(r chi.Router) {
	r.Post("/contacts/import", c.StartImport)
	r.Get("/contacts/import/{jobId}", c.GetImportStatus)
}

// StartImport queues a CSV import. The CSV travels inline in the body.
func (c *ImportController) StartImport(w http.ResponseWriter, r *http.Request) {
	orgID, userID, ok := callerIDs(w, r)
	if !ok {
		return
	}

	var body struct {
		CSVData  string            `json:"csv_data"`
		Category []string          `json:"category"`
		Mapping  map[string]string `json:"mapping"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	jobID, err := c.ImportService.Enqueue(r.Context(), model.ContactImportJob{
		OrgID:    orgID,
		UserID:   userID,
		CSVData:  body.CSVData,
		Category: body.Category,
		Mapping:  body.Mapping,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (c *ImportController) GetImportStatus(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := callerIDs(w, r); !ok {
		return
	}
	st, err := c.ImportService.Status(r.Context(), chi.URLParam(r, "jobId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
