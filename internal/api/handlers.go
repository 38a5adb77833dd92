package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/starford/multihop/internal/docstore"
	"github.com/starford/multihop/internal/models"
	"github.com/starford/multihop/internal/pipeline"
	"github.com/starford/multihop/internal/sse"
)

const (
	// maxUploadBytes bounds a whole multipart request. Per-document size
	// is enforced by the pipeline.
	maxUploadBytes = 256 << 20
	// maxMemoryBytes is kept in memory while parsing; the rest spills to
	// temporary files.
	maxMemoryBytes = 32 << 20
	maxJSONBytes   = 1 << 20
)

// Handler holds API route handlers.
type Handler struct {
	p      *pipeline.Pipeline
	broker *sse.Broker
}

// NewHandler creates a new Handler. broker may be nil.
func NewHandler(p *pipeline.Pipeline, broker *sse.Broker) *Handler {
	return &Handler{p: p, broker: broker}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return false
	}
	if vv, ok := v.(validation.Validatable); ok {
		if err := vv.Validate(); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
			return false
		}
	}
	return true
}

// ListDocuments handles GET /api/documents.
//
//	@Summary		List active documents
//	@Tags			documents
//	@Produce		json
//	@Param			sort	query		string	false	"Order"	Enums(inserted, uploaded)
//	@Success		200		{object}	DocumentListResponse
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/documents [get]
func (h *Handler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	order := r.URL.Query().Get("sort")
	if err := validation.Validate(order, validation.In(pipeline.SortInserted, pipeline.SortUploaded)); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("sort must be inserted or uploaded"))
		return
	}
	docs, err := h.p.ListDocuments(order)
	if err != nil {
		writeError(w, "list documents", err)
		return
	}
	writeJSON(w, http.StatusOK, DocumentListResponse{Documents: docs, Total: len(docs)})
}

// GetDocument handles GET /api/documents/{fingerprint}.
//
//	@Summary		Get an active document by fingerprint
//	@Tags			documents
//	@Produce		json
//	@Param			fingerprint	path		string	true	"Content fingerprint"
//	@Success		200			{object}	models.Document
//	@Failure		404			{object}	errResponse
//	@Security		BearerAuth
//	@Router			/documents/{fingerprint} [get]
func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	fp := chi.URLParam(r, "fingerprint")
	doc, err := h.p.Document(fp)
	if err != nil {
		writeError(w, "get document", err, slog.String("fingerprint", fp))
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// UploadDocuments handles POST /api/documents (multipart/form-data, one or
// more "file" fields).
//
//	@Summary		Upload documents
//	@Description	A single file answers with its own status (201 added, 409 duplicate pending resolution, 413, 415, 422, 503). Several files answer 200 with per-file statuses.
//	@Tags			documents
//	@Accept			multipart/form-data
//	@Produce		json
//	@Param			file	formData	file	true	"Document"
//	@Success		201		{object}	UploadResponse
//	@Success		200		{object}	UploadResponse
//	@Failure		400		{object}	errResponse
//	@Failure		409		{object}	UploadResponse
//	@Security		BearerAuth
//	@Router			/documents [post]
func (h *Handler) UploadDocuments(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxMemoryBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody("upload too large"))
			return
		}
		writeJSON(w, http.StatusBadRequest, errorBody("invalid multipart form"))
		return
	}
	defer r.MultipartForm.RemoveAll() //nolint:errcheck

	headers := r.MultipartForm.File["file"]
	if len(headers) == 0 {
		writeJSON(w, http.StatusBadRequest, errorBody("missing 'file' field in multipart form"))
		return
	}

	uploads := make([]pipeline.Upload, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody("failed to read "+fh.Filename))
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody("failed to read "+fh.Filename))
			return
		}
		uploads = append(uploads, pipeline.Upload{Name: fh.Filename, Data: data})
	}

	items := h.p.IngestBatch(r.Context(), uploads, models.SourceUploaded)
	resp := UploadResponse{Results: make([]UploadItem, len(items))}
	for i, it := range items {
		resp.Results[i] = uploadItem(it)
	}

	status := http.StatusOK
	if len(resp.Results) == 1 {
		status = resp.Results[0].Status
	}
	writeJSON(w, status, resp)
}

func uploadItem(it pipeline.BatchItem) UploadItem {
	if it.Err != nil {
		status, msg := statusFor(it.Err)
		if status >= http.StatusInternalServerError {
			slog.Error("upload failed", slog.String("name", it.Name), slog.String("error", it.Err.Error()))
		}
		return UploadItem{Name: it.Name, Status: status, Error: msg}
	}
	out := UploadItem{
		Name:        it.Name,
		Status:      http.StatusCreated,
		Outcome:     string(it.Result.Outcome),
		Fingerprint: it.Result.Fingerprint,
		Document:    it.Result.Document,
	}
	if it.Result.Outcome == pipeline.OutcomeDuplicate {
		out.Status = http.StatusConflict
	}
	return out
}

// PendingDuplicates handles GET /api/documents/pending.
//
//	@Summary		List uploads waiting for a duplicate decision
//	@Tags			documents
//	@Produce		json
//	@Success		200	{object}	PendingResponse
//	@Security		BearerAuth
//	@Router			/documents/pending [get]
func (h *Handler) PendingDuplicates(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, PendingResponse{Pending: h.p.Pending()})
}

// ResolveDuplicate handles POST /api/documents/{fingerprint}/resolve.
//
//	@Summary		Replace the existing document with a pending duplicate, or discard it
//	@Tags			documents
//	@Accept			json
//	@Produce		json
//	@Param			fingerprint	path		string			true	"Content fingerprint"
//	@Param			body		body		ResolveRequest	true	"Decision"
//	@Success		200			{object}	pipeline.IngestResult
//	@Failure		400			{object}	errResponse
//	@Failure		404			{object}	errResponse
//	@Security		BearerAuth
//	@Router			/documents/{fingerprint}/resolve [post]
func (h *Handler) ResolveDuplicate(w http.ResponseWriter, r *http.Request) {
	fp := chi.URLParam(r, "fingerprint")
	var req ResolveRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	action, err := docstore.ParseAction(req.Action)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	res, err := h.p.ResolveDuplicate(r.Context(), fp, action)
	if err != nil {
		writeError(w, "resolve duplicate", err, slog.String("fingerprint", fp))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// RemoveDocument handles DELETE /api/documents/{fingerprint}.
//
//	@Summary		Remove a document
//	@Tags			documents
//	@Param			fingerprint	path	string	true	"Content fingerprint"
//	@Success		204			"Document removed"
//	@Failure		404			{object}	errResponse
//	@Security		BearerAuth
//	@Router			/documents/{fingerprint} [delete]
func (h *Handler) RemoveDocument(w http.ResponseWriter, r *http.Request) {
	fp := chi.URLParam(r, "fingerprint")
	if err := h.p.RemoveDocument(r.Context(), fp); err != nil {
		writeError(w, "remove document", err, slog.String("fingerprint", fp))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Ask handles POST /api/query.
//
//	@Summary		Answer a question from the active documents
//	@Tags			query
//	@Accept			json
//	@Produce		json
//	@Param			body	body		AskRequest	true	"Question"
//	@Success		200		{object}	pipeline.Answer
//	@Failure		400		{object}	errResponse
//	@Failure		503		{object}	errResponse
//	@Failure		504		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/query [post]
func (h *Handler) Ask(w http.ResponseWriter, r *http.Request) {
	var req AskRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ans, err := h.p.Ask(r.Context(), req.Query, req.Debug)
	if err != nil {
		writeError(w, "ask", err)
		return
	}
	writeJSON(w, http.StatusOK, ans)
}

// History handles GET /api/history.
//
//	@Summary		Recent questions, newest first
//	@Tags			query
//	@Produce		json
//	@Success		200	{object}	HistoryResponse
//	@Security		BearerAuth
//	@Router			/history [get]
func (h *Handler) History(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HistoryResponse{Queries: h.p.History()})
}

// SelfTest handles POST /api/selftest.
//
//	@Summary		Run the probe question end to end
//	@Tags			query
//	@Produce		json
//	@Success		200	{object}	pipeline.SelfTestResult
//	@Failure		503	{object}	pipeline.SelfTestResult
//	@Security		BearerAuth
//	@Router			/selftest [post]
func (h *Handler) SelfTest(w http.ResponseWriter, r *http.Request) {
	res := h.p.SelfTest(r.Context())
	status := http.StatusOK
	if !res.OK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Rebuild handles POST /api/index/rebuild. Progress is published on the
// event stream; with ?wait=true the request blocks until the rebuild
// finishes.
//
//	@Summary		Rebuild the vector index from the document store
//	@Tags			index
//	@Produce		json
//	@Param			wait	query		bool	false	"Block until finished"
//	@Success		202		{object}	RebuildResponse
//	@Success		200		{object}	RebuildResponse
//	@Failure		409		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/index/rebuild [post]
func (h *Handler) Rebuild(w http.ResponseWriter, r *http.Request) {
	if h.p.Rebuilding() {
		writeJSON(w, http.StatusConflict, errorBody("rebuild already in progress"))
		return
	}
	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	if !wait {
		go h.drainRebuild(h.p.RebuildIndex(context.WithoutCancel(r.Context())))
		writeJSON(w, http.StatusAccepted, RebuildResponse{Stage: "started"})
		return
	}

	last := h.drainRebuild(h.p.RebuildIndex(r.Context()))
	if last.Err != nil {
		status, _ := statusFor(last.Err)
		slog.Error("rebuild failed", slog.String("error", last.Err.Error()))
		writeJSON(w, status, rebuildDTO(last))
		return
	}
	writeJSON(w, http.StatusOK, rebuildDTO(last))
}

// drainRebuild forwards every event to the broker and returns the terminal
// one.
func (h *Handler) drainRebuild(events <-chan pipeline.RebuildEvent) pipeline.RebuildEvent {
	var last pipeline.RebuildEvent
	for ev := range events {
		last = ev
		if h.broker != nil {
			h.broker.Publish(sse.Event{Type: sse.TypeRebuildProgress, Data: rebuildDTO(ev)})
		}
	}
	return last
}

// Sync handles POST /api/sync.
//
//	@Summary		Reconcile the collection with the documents directory
//	@Tags			index
//	@Produce		json
//	@Success		200	{object}	pipeline.SyncReport
//	@Security		BearerAuth
//	@Router			/sync [post]
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	rep, err := h.p.ScanAndSync(r.Context())
	if err != nil {
		writeError(w, "sync", err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// Cleanup handles POST /api/cleanup.
//
//	@Summary		Drop index entries of documents that are no longer active
//	@Tags			index
//	@Produce		json
//	@Success		200	{object}	pipeline.CleanupReport
//	@Security		BearerAuth
//	@Router			/cleanup [post]
func (h *Handler) Cleanup(w http.ResponseWriter, r *http.Request) {
	rep, err := h.p.CleanupOrphans(r.Context())
	if err != nil {
		writeError(w, "cleanup", err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// Stats handles GET /api/stats.
//
//	@Summary		Collection statistics
//	@Tags			index
//	@Produce		json
//	@Success		200	{object}	models.Stats
//	@Security		BearerAuth
//	@Router			/stats [get]
func (h *Handler) Stats(w http.ResponseWriter, _ *http.Request) {
	st, err := h.p.Stats()
	if err != nil {
		writeError(w, "stats", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Status handles GET /api/status.
//
//	@Summary		Pipeline status and parked duplicates
//	@Tags			index
//	@Produce		json
//	@Success		200	{object}	pipeline.Status
//	@Security		BearerAuth
//	@Router			/status [get]
func (h *Handler) Status(w http.ResponseWriter, _ *http.Request) {
	st, err := h.p.Status()
	if err != nil {
		writeError(w, "status", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
