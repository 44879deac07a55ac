package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"comm_dispatch/internal/models"
	"comm_dispatch/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// maxBodyBytes fits the largest allowed send: ten 10 MiB files, base64 encoded.
const maxBodyBytes = 150 << 20

// CommunicationService is what the handlers need from the create/get side.
type CommunicationService interface {
	Send(ctx context.Context, req models.SendRequest) (*models.SendResult, error)
	Get(ctx context.Context, id uuid.UUID) (*models.CommunicationView, error)
}

type RecipientTracker interface {
	MarkRead(ctx context.Context, communicationID, recipientID uuid.UUID) (*models.Recipient, error)
	Retry(ctx context.Context, communicationID, recipientID uuid.UUID) (*models.Recipient, error)
}

type FileService interface {
	Attach(ctx context.Context, communicationID uuid.UUID, files []models.FileUpload) ([]models.CommunicationFile, error)
	ListFor(ctx context.Context, communicationID uuid.UUID) ([]models.CommunicationFile, error)
	Open(ctx context.Context, communicationID, fileID uuid.UUID) (*models.CommunicationFile, io.ReadCloser, error)
	DownloadURL(communicationID, fileID uuid.UUID) string
}

type CommunicationHandler struct {
	comms   CommunicationService
	tracker RecipientTracker
	files   FileService
	logger  *zap.Logger
}

func NewCommunicationHandler(comms CommunicationService, tracker RecipientTracker, files FileService, logger *zap.Logger) *CommunicationHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommunicationHandler{
		comms:   comms,
		tracker: tracker,
		files:   files,
		logger:  logger,
	}
}

type uploadRequest struct {
	Name          string `json:"name"`
	MimeType      string `json:"mime_type"`
	ContentBase64 []byte `json:"content_base64"`
}

type sendRequest struct {
	Subject        string                   `json:"subject"`
	Content        string                   `json:"content"`
	Channel        string                   `json:"channel"`
	Recipients     []models.RecipientTarget `json:"recipients"`
	Attachments    []uploadRequest          `json:"attachments"`
	IdempotencyKey string                   `json:"idempotency_key"`
}

type attachRequest struct {
	Attachments []uploadRequest `json:"attachments"`
}

// POST /api/communications
// 201: { "communication_id": "...", "status": "pending", "recipients": 3, "duplicate": false, "caveats": [...] }
// 200: same body with "duplicate": true
// 400: invalid input
// 409: same idempotency key in flight
// 422: no recipients resolved
func (h *CommunicationHandler) Send(w http.ResponseWriter, r *http.Request) {
	authorID, err := uuid.Parse(strings.TrimSpace(r.Header.Get("X-Author-ID")))
	if err != nil {
		writeError(w, http.StatusBadRequest, "X-Author-ID header must be a uuid")
		return
	}

	var req sendRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}

	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key == "" {
		key = req.IdempotencyKey
	}

	res, err := h.comms.Send(r.Context(), models.SendRequest{
		AuthorID:       authorID,
		Subject:        req.Subject,
		Content:        req.Content,
		Channel:        models.Channel(strings.ToLower(strings.TrimSpace(req.Channel))),
		Targets:        req.Recipients,
		Attachments:    toUploads(req.Attachments),
		IdempotencyKey: key,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

// GET /api/communications/{id}
func (h *CommunicationHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	view, err := h.comms.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// POST /api/communications/{id}/recipients/{recipientID}/read
// 200: { "read": true, "read_at": "..." }
func (h *CommunicationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	rid, ok := uuidParam(w, r, "recipientID")
	if !ok {
		return
	}
	row, err := h.tracker.MarkRead(r.Context(), id, rid)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"read":    row.Read,
		"read_at": row.ReadAt,
	})
}

// POST /api/communications/{id}/recipients/{recipientID}/retry
// 202: { "delivery_status": "attempting", "attempt_count": 2 }
// 409: not failed or retry limit reached
func (h *CommunicationHandler) Retry(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	rid, ok := uuidParam(w, r, "recipientID")
	if !ok {
		return
	}
	row, err := h.tracker.Retry(r.Context(), id, rid)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"delivery_status": row.DeliveryStatus,
		"attempt_count":   row.AttemptCount,
	})
}

// GET /api/communications/{id}/files
func (h *CommunicationHandler) ListFiles(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	files, err := h.files.ListFor(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": h.fileViews(id, files)})
}

// POST /api/communications/{id}/files
// 201: { "files": [...] }
func (h *CommunicationHandler) AttachFiles(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req attachRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	files, err := h.files.Attach(r.Context(), id, toUploads(req.Attachments))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"files": h.fileViews(id, files)})
}

// GET /api/communications/{id}/files/{fileID}
func (h *CommunicationHandler) DownloadFile(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	fileID, ok := uuidParam(w, r, "fileID")
	if !ok {
		return
	}
	file, rc, err := h.files.Open(r.Context(), id, fileID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", file.MimeType)
	w.Header().Set("Content-Length", strconv.FormatInt(file.SizeBytes, 10))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": file.Name}))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Warn("file download interrupted", zap.String("file_id", fileID.String()), zap.Error(err))
	}
}

func (h *CommunicationHandler) fileViews(communicationID uuid.UUID, files []models.CommunicationFile) []models.FileView {
	out := make([]models.FileView, 0, len(files))
	for _, f := range files {
		out = append(out, models.FileView{
			ID:         f.ID,
			Name:       f.Name,
			MimeType:   f.MimeType,
			SizeBytes:  f.SizeBytes,
			URL:        h.files.DownloadURL(communicationID, f.ID),
			UploadedAt: f.UploadedAt,
		})
	}
	return out
}

func (h *CommunicationHandler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, service.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrNoRecipients):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, service.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, service.ErrRetryLimit), errors.Is(err, service.ErrNotRetryable), errors.Is(err, service.ErrDuplicateInFlight):
		writeError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func toUploads(in []uploadRequest) []models.FileUpload {
	out := make([]models.FileUpload, 0, len(in))
	for _, u := range in {
		out = append(out, models.FileUpload{
			Name:     strings.TrimSpace(u.Name),
			MimeType: strings.TrimSpace(u.MimeType),
			Content:  u.ContentBase64,
		})
	}
	return out
}

func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, name+" must be a uuid")
		return uuid.Nil, false
	}
	return id, true
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		return err
	}

	// a second JSON value in the body is rejected
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("only one JSON object is allowed")
	}

	return nil
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
