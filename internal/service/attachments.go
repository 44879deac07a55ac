package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"comm_dispatch/internal/cache"
	"comm_dispatch/internal/channel"
	"comm_dispatch/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	MaxAttachments     = 10
	MaxAttachmentBytes = 10 << 20
)

// Attachments stores uploaded files once per communication and hands them to
// adapters either as streams or as download links.
type Attachments struct {
	store   Storage
	blobs   BlobStore
	baseURL string
	views   *viewCache
	logger  *zap.Logger
}

func NewAttachments(store Storage, blobs BlobStore, c cache.Cache, cacheTTL time.Duration, publicBaseURL string, logger *zap.Logger) *Attachments {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Attachments{
		store:   store,
		blobs:   blobs,
		baseURL: strings.TrimRight(publicBaseURL, "/"),
		views:   newViewCache(c, cacheTTL, logger),
		logger:  logger,
	}
}

func validateUploads(files []models.FileUpload) error {
	if len(files) > MaxAttachments {
		return fmt.Errorf("at most %d attachments allowed, got %d", MaxAttachments, len(files))
	}
	for i, f := range files {
		if strings.TrimSpace(f.Name) == "" {
			return fmt.Errorf("attachments[%d].name is required", i)
		}
		if strings.TrimSpace(f.MimeType) == "" {
			return fmt.Errorf("attachments[%d].mime_type is required", i)
		}
		if len(f.Content) == 0 {
			return fmt.Errorf("attachments[%d] is empty", i)
		}
		if len(f.Content) > MaxAttachmentBytes {
			return fmt.Errorf("attachments[%d] exceeds %d bytes", i, MaxAttachmentBytes)
		}
	}
	return nil
}

// Prepare writes the blobs and returns file rows that are not persisted yet.
// Call Discard if the rows never get committed.
func (a *Attachments) Prepare(ctx context.Context, communicationID uuid.UUID, files []models.FileUpload) ([]*models.CommunicationFile, error) {
	rows := make([]*models.CommunicationFile, 0, len(files))
	for _, f := range files {
		ref, size, err := a.blobs.Store(ctx, f.Name, bytes.NewReader(f.Content))
		if err != nil {
			a.Discard(ctx, rows)
			return nil, fmt.Errorf("store attachment %q: %w", f.Name, err)
		}
		rows = append(rows, &models.CommunicationFile{
			ID:              models.NewID(),
			CommunicationID: communicationID,
			Name:            strings.TrimSpace(f.Name),
			MimeType:        strings.TrimSpace(f.MimeType),
			SizeBytes:       size,
			StorageRef:      ref,
			UploadedAt:      time.Now().UTC(),
		})
	}
	return rows, nil
}

// Discard removes blobs of rows that were never committed.
func (a *Attachments) Discard(ctx context.Context, rows []*models.CommunicationFile) {
	for _, r := range rows {
		if err := a.blobs.Delete(context.WithoutCancel(ctx), r.StorageRef); err != nil {
			a.logger.Warn("discard attachment blob", zap.String("ref", r.StorageRef), zap.Error(err))
		}
	}
}

// Attach adds files to an existing communication. Files attached after dispatch
// are only reachable through the files endpoint.
func (a *Attachments) Attach(ctx context.Context, communicationID uuid.UUID, files []models.FileUpload) ([]models.CommunicationFile, error) {
	if err := validateUploads(files); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if _, err := a.store.GetCommunication(ctx, communicationID); err != nil {
		return nil, fmt.Errorf("get communication: %w", err)
	}

	rows, err := a.Prepare(ctx, communicationID, files)
	if err != nil {
		return nil, err
	}
	if err := a.store.AttachFiles(ctx, rows); err != nil {
		a.Discard(ctx, rows)
		return nil, fmt.Errorf("attach files: %w", err)
	}
	a.views.invalidate(ctx, communicationID)
	return derefFiles(rows), nil
}

func (a *Attachments) ListFor(ctx context.Context, communicationID uuid.UUID) ([]models.CommunicationFile, error) {
	if _, err := a.store.GetCommunication(ctx, communicationID); err != nil {
		return nil, fmt.Errorf("get communication: %w", err)
	}
	rows, err := a.store.ListFiles(ctx, communicationID)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	return derefFiles(rows), nil
}

// Open returns the file row and its content. The caller closes the reader.
func (a *Attachments) Open(ctx context.Context, communicationID, fileID uuid.UUID) (*models.CommunicationFile, io.ReadCloser, error) {
	rows, err := a.store.ListFiles(ctx, communicationID)
	if err != nil {
		return nil, nil, fmt.Errorf("list files: %w", err)
	}
	for _, f := range rows {
		if f.ID != fileID {
			continue
		}
		rc, err := a.blobs.Open(ctx, f.StorageRef)
		if err != nil {
			return nil, nil, fmt.Errorf("open blob: %w", err)
		}
		return f, rc, nil
	}
	return nil, nil, ErrNotFound
}

func (a *Attachments) DownloadURL(communicationID, fileID uuid.UUID) string {
	return fmt.Sprintf("%s/api/communications/%s/files/%s", a.baseURL, communicationID, fileID)
}

// ForMessage builds adapter attachments for a communication. Content is opened
// lazily so link-only channels never read a blob.
func (a *Attachments) ForMessage(ctx context.Context, communicationID uuid.UUID) ([]channel.Attachment, error) {
	rows, err := a.store.ListFiles(ctx, communicationID)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	out := make([]channel.Attachment, 0, len(rows))
	for _, f := range rows {
		ref := f.StorageRef
		out = append(out, channel.Attachment{
			Name:      f.Name,
			MimeType:  f.MimeType,
			SizeBytes: f.SizeBytes,
			URL:       a.DownloadURL(communicationID, f.ID),
			Open: func(ctx context.Context) (io.ReadCloser, error) {
				return a.blobs.Open(ctx, ref)
			},
		})
	}
	return out, nil
}

func (a *Attachments) fileViews(communicationID uuid.UUID, rows []*models.CommunicationFile) []models.FileView {
	out := make([]models.FileView, 0, len(rows))
	for _, f := range rows {
		out = append(out, models.FileView{
			ID:         f.ID,
			Name:       f.Name,
			MimeType:   f.MimeType,
			SizeBytes:  f.SizeBytes,
			URL:        a.DownloadURL(communicationID, f.ID),
			UploadedAt: f.UploadedAt,
		})
	}
	return out
}

func derefFiles(rows []*models.CommunicationFile) []models.CommunicationFile {
	out := make([]models.CommunicationFile, 0, len(rows))
	for _, r := range rows {
		out = append(out, *r)
	}
	return out
}

// isNotFound reports whether err is a missing-row error from the store.
func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
