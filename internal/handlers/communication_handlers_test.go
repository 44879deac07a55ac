package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"comm_dispatch/internal/models"
	"comm_dispatch/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type fakeComms struct {
	last   models.SendRequest
	result *models.SendResult
	view   *models.CommunicationView
	err    error
}

func (f *fakeComms) Send(_ context.Context, req models.SendRequest) (*models.SendResult, error) {
	f.last = req
	return f.result, f.err
}

func (f *fakeComms) Get(_ context.Context, id uuid.UUID) (*models.CommunicationView, error) {
	if f.view == nil || f.view.ID != id {
		return nil, service.ErrNotFound
	}
	return f.view, nil
}

type fakeTracker struct {
	row *models.Recipient
	err error
}

func (f *fakeTracker) MarkRead(context.Context, uuid.UUID, uuid.UUID) (*models.Recipient, error) {
	return f.row, f.err
}

func (f *fakeTracker) Retry(context.Context, uuid.UUID, uuid.UUID) (*models.Recipient, error) {
	return f.row, f.err
}

type fakeFiles struct {
	files    []models.CommunicationFile
	content  []byte
	attached []models.FileUpload
}

func (f *fakeFiles) Attach(_ context.Context, id uuid.UUID, uploads []models.FileUpload) ([]models.CommunicationFile, error) {
	f.attached = uploads
	out := make([]models.CommunicationFile, 0, len(uploads))
	for _, u := range uploads {
		out = append(out, models.CommunicationFile{ID: uuid.New(), CommunicationID: id, Name: u.Name, MimeType: u.MimeType, SizeBytes: int64(len(u.Content))})
	}
	return out, nil
}

func (f *fakeFiles) ListFor(context.Context, uuid.UUID) ([]models.CommunicationFile, error) {
	return f.files, nil
}

func (f *fakeFiles) Open(_ context.Context, _, fileID uuid.UUID) (*models.CommunicationFile, io.ReadCloser, error) {
	for i := range f.files {
		if f.files[i].ID == fileID {
			return &f.files[i], io.NopCloser(bytes.NewReader(f.content)), nil
		}
	}
	return nil, nil, service.ErrNotFound
}

func (f *fakeFiles) DownloadURL(communicationID, fileID uuid.UUID) string {
	return fmt.Sprintf("http://files/%s/%s", communicationID, fileID)
}

func newRouter(comms *fakeComms, tracker *fakeTracker, files *fakeFiles) http.Handler {
	r := chi.NewRouter()
	RegisterCommunicationRoutes(r, NewCommunicationHandler(comms, tracker, files, nil))
	return r
}

func do(t *testing.T, h http.Handler, method, path string, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSendHandler(t *testing.T) {
	author := uuid.New()
	target := uuid.New()
	comms := &fakeComms{result: &models.SendResult{CommunicationID: uuid.New(), Status: models.OverallPending, Recipients: 1, Caveats: []models.Caveat{}}}
	router := newRouter(comms, &fakeTracker{}, &fakeFiles{})

	body := `{
		"subject": "Hello",
		"content": "World",
		"channel": "Email",
		"recipients": [{"kind": "user", "id": "` + target.String() + `"}],
		"attachments": [{"name": "a.txt", "mime_type": "text/plain", "content_base64": "` + base64.StdEncoding.EncodeToString([]byte("hi")) + `"}]
	}`
	rec := do(t, router, http.MethodPost, "/api/communications/", body, map[string]string{
		"X-Author-ID":     author.String(),
		"Idempotency-Key": "k-1",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var got models.SendResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, comms.result.CommunicationID, got.CommunicationID)

	require.Equal(t, author, comms.last.AuthorID)
	require.Equal(t, models.ChannelEmail, comms.last.Channel)
	require.Equal(t, "k-1", comms.last.IdempotencyKey)
	require.Equal(t, []models.RecipientTarget{models.UserTarget(target)}, comms.last.Targets)
	require.Equal(t, []byte("hi"), comms.last.Attachments[0].Content)

	comms.result.Duplicate = true
	rec = do(t, router, http.MethodPost, "/api/communications/", body, map[string]string{"X-Author-ID": author.String()})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSendHandlerErrors(t *testing.T) {
	author := uuid.New().String()
	valid := `{"subject":"s","content":"c","channel":"email","recipients":[{"kind":"user","id":"` + uuid.NewString() + `"}]}`

	cases := []struct {
		name   string
		author string
		body   string
		err    error
		code   int
	}{
		{"missing author", "", valid, nil, http.StatusBadRequest},
		{"bad json", author, `{"subject":`, nil, http.StatusBadRequest},
		{"unknown field", author, `{"subjekt":"s"}`, nil, http.StatusBadRequest},
		{"bad target kind", author, `{"recipients":[{"kind":"group","id":"` + uuid.NewString() + `"}]}`, nil, http.StatusBadRequest},
		{"validation", author, valid, fmt.Errorf("%w: subject is required", service.ErrValidation), http.StatusBadRequest},
		{"no recipients", author, valid, service.ErrNoRecipients, http.StatusUnprocessableEntity},
		{"in flight", author, valid, service.ErrDuplicateInFlight, http.StatusConflict},
		{"internal", author, valid, fmt.Errorf("create communication: %w", io.ErrUnexpectedEOF), http.StatusInternalServerError},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			comms := &fakeComms{err: c.err, result: &models.SendResult{}}
			rec := do(t, newRouter(comms, &fakeTracker{}, &fakeFiles{}), http.MethodPost, "/api/communications/", c.body, map[string]string{"X-Author-ID": c.author})
			require.Equal(t, c.code, rec.Code)
		})
	}
}

func TestGetHandler(t *testing.T) {
	view := &models.CommunicationView{ID: uuid.New(), Subject: "s", OverallStatus: models.OverallDelivered}
	router := newRouter(&fakeComms{view: view}, &fakeTracker{}, &fakeFiles{})

	rec := do(t, router, http.MethodGet, "/api/communications/"+view.ID.String(), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"overall_status":"delivered"`)

	rec = do(t, router, http.MethodGet, "/api/communications/"+uuid.NewString(), "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, router, http.MethodGet, "/api/communications/not-a-uuid", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReadAndRetryHandlers(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	tracker := &fakeTracker{row: &models.Recipient{Read: true, ReadAt: &now, DeliveryStatus: models.DeliveryAttempting, AttemptCount: 2}}
	router := newRouter(&fakeComms{}, tracker, &fakeFiles{})
	base := "/api/communications/" + uuid.NewString() + "/recipients/" + uuid.NewString()

	rec := do(t, router, http.MethodPost, base+"/read", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"read":true,"read_at":"2026-03-01T09:00:00Z"}`, rec.Body.String())

	rec = do(t, router, http.MethodPost, base+"/retry", "", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.JSONEq(t, `{"delivery_status":"attempting","attempt_count":2}`, rec.Body.String())

	tracker.err = fmt.Errorf("%w: 5 of 5 attempts used", service.ErrRetryLimit)
	rec = do(t, router, http.MethodPost, base+"/retry", "", nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	tracker.err = fmt.Errorf("%w: status is delivered", service.ErrNotRetryable)
	rec = do(t, router, http.MethodPost, base+"/retry", "", nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	tracker.err = fmt.Errorf("mark read: %w", service.ErrNotFound)
	rec = do(t, router, http.MethodPost, base+"/read", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFileHandlers(t *testing.T) {
	commID := uuid.New()
	file := models.CommunicationFile{ID: uuid.New(), CommunicationID: commID, Name: "notes final.pdf", MimeType: "application/pdf", SizeBytes: 4}
	files := &fakeFiles{files: []models.CommunicationFile{file}, content: []byte("%PDF")}
	router := newRouter(&fakeComms{}, &fakeTracker{}, files)

	rec := do(t, router, http.MethodGet, "/api/communications/"+commID.String()+"/files", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Files []models.FileView `json:"files"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Files, 1)
	require.Equal(t, files.DownloadURL(commID, file.ID), list.Files[0].URL)

	rec = do(t, router, http.MethodGet, "/api/communications/"+commID.String()+"/files/"+file.ID.String(), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	require.Equal(t, `attachment; filename="notes final.pdf"`, rec.Header().Get("Content-Disposition"))
	require.Equal(t, "%PDF", rec.Body.String())

	rec = do(t, router, http.MethodGet, "/api/communications/"+commID.String()+"/files/"+uuid.NewString(), "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	body := `{"attachments":[{"name":"late.txt","mime_type":"text/plain","content_base64":"` + base64.StdEncoding.EncodeToString([]byte("late")) + `"}]}`
	rec = do(t, router, http.MethodPost, "/api/communications/"+commID.String()+"/files", body, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, []byte("late"), files.attached[0].Content)
}
