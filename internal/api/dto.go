package api

import (
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/starford/multihop/internal/docstore"
	"github.com/starford/multihop/internal/models"
	"github.com/starford/multihop/internal/pipeline"
)

const maxQueryLength = 4096

// AskRequest is the request body for POST /query.
type AskRequest struct {
	Query string `json:"query" example:"When is the project review?" validate:"required"`
	Debug bool   `json:"debug" example:"false"`
}

// Validate checks the question.
func (r AskRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Query, validation.By(notBlank), validation.RuneLength(1, maxQueryLength)),
	)
}

// ResolveRequest is the request body for POST /documents/{fingerprint}/resolve.
type ResolveRequest struct {
	Action string `json:"action" example:"replace" validate:"required"`
}

// Validate checks the action.
func (r ResolveRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Action, validation.Required,
			validation.In(string(docstore.ActionReplace), string(docstore.ActionSkip))),
	)
}

func notBlank(value any) error {
	s, _ := value.(string)
	if strings.TrimSpace(s) == "" {
		return validation.ErrRequired
	}
	return nil
}

// UploadItem is the outcome for one uploaded file.
type UploadItem struct {
	Name        string           `json:"name" example:"notes.txt" validate:"required"`
	Status      int              `json:"status" example:"201" validate:"required"`
	Outcome     string           `json:"outcome,omitempty" example:"added"`
	Fingerprint string           `json:"fingerprint,omitempty" example:"9f86d081..."`
	Document    *models.Document `json:"document,omitempty"`
	Error       string           `json:"error,omitempty"`
}

// UploadResponse wraps per-file upload outcomes, in request order.
type UploadResponse struct {
	Results []UploadItem `json:"results" validate:"required"`
}

// DocumentListResponse wraps document listings.
type DocumentListResponse struct {
	Documents []models.Document `json:"documents" validate:"required"`
	Total     int               `json:"total" example:"3" validate:"required"`
}

// PendingResponse lists uploads waiting for a duplicate decision.
type PendingResponse struct {
	Pending []pipeline.PendingInfo `json:"pending" validate:"required"`
}

// HistoryResponse lists recent questions, newest first.
type HistoryResponse struct {
	Queries []models.QueryRecord `json:"queries" validate:"required"`
}

// RebuildResponse is returned when a rebuild is started or, with
// ?wait=true, finished.
type RebuildResponse struct {
	Stage string `json:"stage" example:"completed" validate:"required"`
	Done  int    `json:"done" example:"120"`
	Total int    `json:"total" example:"120"`
	Error string `json:"error,omitempty"`
}

func rebuildDTO(ev pipeline.RebuildEvent) RebuildResponse {
	out := RebuildResponse{Stage: ev.Stage, Done: ev.Done, Total: ev.Total}
	if ev.Err != nil {
		out.Error = ev.Err.Error()
	}
	return out
}
