package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"comm_dispatch/internal/cache"
	"comm_dispatch/internal/channel"
	"comm_dispatch/internal/kafka"
	"comm_dispatch/internal/metrics"
	"comm_dispatch/internal/models"
	"comm_dispatch/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	MaxSubjectRunes       = 255
	MaxContentBytes       = 64 << 10
	MaxIdempotencyKeyLen  = 255
	idempotencyLockTTL    = 30 * time.Second
	idempotencyLockHolder = "1"
)

// CommunicationService persists new communications and serves their state.
// Delivery happens later in the Dispatcher, driven by the outbox job written here.
type CommunicationService struct {
	store       Storage
	resolver    *Resolver
	attachments *Attachments
	registry    *channel.Registry
	locks       cache.Cache
	views       *viewCache

	topic  string
	logger *zap.Logger
}

func NewCommunicationService(
	store Storage,
	resolver *Resolver,
	attachments *Attachments,
	registry *channel.Registry,
	c cache.Cache,
	cacheTTL time.Duration,
	topic string,
	logger *zap.Logger,
) *CommunicationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(topic) == "" {
		topic = "communication_dispatch"
	}
	return &CommunicationService{
		store:       store,
		resolver:    resolver,
		attachments: attachments,
		registry:    registry,
		locks:       c,
		views:       newViewCache(c, cacheTTL, logger),
		topic:       topic,
		logger:      logger,
	}
}

// Send validates and resolves the request, then writes the communication, every
// recipient row, the file rows and the dispatch job in one transaction.
func (s *CommunicationService) Send(ctx context.Context, req models.SendRequest) (*models.SendResult, error) {
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if err := s.validateSend(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	if req.IdempotencyKey != "" {
		if res, ok, err := s.findDuplicate(ctx, req.AuthorID, req.IdempotencyKey); err != nil || ok {
			return res, err
		}
		release, err := s.lockIdempotencyKey(ctx, req.AuthorID, req.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		defer release()
	}

	users, err := s.resolver.Resolve(ctx, req.Targets)
	if err != nil {
		return nil, err
	}

	comm := &models.Communication{
		ID:       models.NewID(),
		Subject:  strings.TrimSpace(req.Subject),
		Content:  req.Content,
		Channel:  req.Channel,
		AuthorID: req.AuthorID,
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		comm.IdempotencyKey = &key
	}

	files, err := s.attachments.Prepare(ctx, comm.ID, req.Attachments)
	if err != nil {
		return nil, err
	}

	recipients := buildRecipients(comm, users)
	job, err := kafka.NewCommunicationJob(comm.ID).ToOutbox(s.topic)
	if err != nil {
		s.attachments.Discard(ctx, files)
		return nil, fmt.Errorf("build dispatch job: %w", err)
	}

	err = s.store.CreateCommunication(ctx, &models.NewCommunication{
		Communication: comm,
		Recipients:    recipients,
		Files:         files,
		DispatchJob:   job,
	})
	if err != nil {
		s.attachments.Discard(ctx, files)
		if errors.Is(err, repository.ErrConflict) && req.IdempotencyKey != "" {
			if res, ok, ferr := s.findDuplicate(ctx, req.AuthorID, req.IdempotencyKey); ferr != nil || ok {
				return res, ferr
			}
		}
		return nil, fmt.Errorf("create communication: %w", err)
	}

	metrics.IncCommunicationCreated(string(comm.Channel))
	metrics.ObserveRecipients(len(recipients))
	s.logger.Info("communication persisted",
		zap.String("communication_id", comm.ID.String()),
		zap.String("channel", string(comm.Channel)),
		zap.Int("recipients", len(recipients)),
		zap.Int("files", len(files)),
	)

	return &models.SendResult{
		CommunicationID: comm.ID,
		Status:          models.DeriveOverallStatus(recipients),
		Recipients:      len(recipients),
		Caveats:         s.registry.Caveats(comm.Channel),
	}, nil
}

// Get returns the communication with its recipients, files and caveats.
func (s *CommunicationService) Get(ctx context.Context, id uuid.UUID) (*models.CommunicationView, error) {
	if view, ok := s.views.get(ctx, id); ok {
		return view, nil
	}
	version, cacheable := s.views.version(ctx, id)

	comm, err := s.store.GetCommunication(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get communication: %w", err)
	}
	recipients, err := s.store.ListRecipients(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list recipients: %w", err)
	}
	files, err := s.store.ListFiles(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}

	view := &models.CommunicationView{
		ID:            comm.ID,
		Subject:       comm.Subject,
		Content:       comm.Content,
		Channel:       comm.Channel,
		AuthorID:      comm.AuthorID,
		SentAt:        comm.CreatedAt,
		OverallStatus: models.DeriveOverallStatus(recipients),
		Recipients:    make([]models.RecipientView, 0, len(recipients)),
		Files:         s.attachments.fileViews(comm.ID, files),
		Caveats:       s.registry.Caveats(comm.Channel),
	}
	for _, r := range recipients {
		view.Recipients = append(view.Recipients, models.NewRecipientView(r))
	}

	if cacheable {
		s.views.put(ctx, version, view)
	}
	return view, nil
}

func (s *CommunicationService) validateSend(req models.SendRequest) error {
	if req.AuthorID == uuid.Nil {
		return errors.New("author id is required")
	}
	subject := strings.TrimSpace(req.Subject)
	if subject == "" {
		return errors.New("subject is required")
	}
	if utf8.RuneCountInString(subject) > MaxSubjectRunes {
		return fmt.Errorf("subject exceeds %d characters", MaxSubjectRunes)
	}
	if strings.TrimSpace(req.Content) == "" {
		return errors.New("content is required")
	}
	if len(req.Content) > MaxContentBytes {
		return fmt.Errorf("content exceeds %d bytes", MaxContentBytes)
	}
	if !req.Channel.Valid() {
		return fmt.Errorf("unknown channel %q", req.Channel)
	}
	if _, err := s.registry.Get(req.Channel); err != nil {
		return err
	}
	if len(req.Targets) == 0 {
		return errors.New("at least one recipient is required")
	}
	for i, t := range req.Targets {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("recipients[%d]: %v", i, err)
		}
	}
	if len(req.IdempotencyKey) > MaxIdempotencyKeyLen {
		return fmt.Errorf("idempotency key exceeds %d bytes", MaxIdempotencyKeyLen)
	}
	return validateUploads(req.Attachments)
}

// buildRecipients snapshots the resolved users. Users without an endpoint on the
// channel are recorded as failed right away so they still show up in tracking.
func buildRecipients(comm *models.Communication, users []models.User) []*models.Recipient {
	rows := make([]*models.Recipient, 0, len(users))
	for _, u := range users {
		row := &models.Recipient{
			ID:              models.NewID(),
			CommunicationID: comm.ID,
			UserID:          u.ID,
			DeliveryStatus:  models.DeliveryPending,
		}
		if _, ok := u.Endpoint(comm.Channel); !ok {
			code := models.ErrCodeEndpointMissing
			row.DeliveryStatus = models.DeliveryFailed
			row.DeliveryError = &code
		}
		rows = append(rows, row)
	}
	return rows
}

func (s *CommunicationService) findDuplicate(ctx context.Context, authorID uuid.UUID, key string) (*models.SendResult, bool, error) {
	existing, err := s.store.FindByIdempotencyKey(ctx, authorID, key)
	if isNotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("find by idempotency key: %w", err)
	}

	recipients, err := s.store.ListRecipients(ctx, existing.ID)
	if err != nil {
		return nil, false, fmt.Errorf("list recipients: %w", err)
	}
	s.logger.Info("duplicate send ignored",
		zap.String("communication_id", existing.ID.String()),
		zap.String("author_id", authorID.String()),
	)
	return &models.SendResult{
		CommunicationID: existing.ID,
		Status:          models.DeriveOverallStatus(recipients),
		Recipients:      len(recipients),
		Duplicate:       true,
		Caveats:         s.registry.Caveats(existing.Channel),
	}, true, nil
}

// lockIdempotencyKey keeps two concurrent requests with one key from both
// resolving and uploading. The unique index still decides if Redis is down.
func (s *CommunicationService) lockIdempotencyKey(ctx context.Context, authorID uuid.UUID, key string) (func(), error) {
	if s.locks == nil {
		return func() {}, nil
	}
	lockKey := cache.IdempotencyLockKey(authorID, key)
	ok, err := s.locks.SetNX(ctx, lockKey, []byte(idempotencyLockHolder), idempotencyLockTTL)
	if err != nil {
		s.logger.Warn("idempotency lock unavailable", zap.Error(err))
		return func() {}, nil
	}
	if !ok {
		return nil, ErrDuplicateInFlight
	}
	return func() {
		if err := s.locks.Del(context.WithoutCancel(ctx), lockKey); err != nil {
			s.logger.Warn("release idempotency lock", zap.Error(err))
		}
	}, nil
}
