package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strconv"
	"sync"
	"time"

	"comm_dispatch/internal/channel"
	"comm_dispatch/internal/models"
	"comm_dispatch/internal/repository"
	"github.com/google/uuid"
)

// fakeStore mirrors the conditional updates of repository.Store in memory.
type fakeStore struct {
	mu       sync.Mutex
	comms    map[uuid.UUID]*models.Communication
	rows     map[uuid.UUID]*models.Recipient
	order    []uuid.UUID
	files    map[uuid.UUID][]*models.CommunicationFile
	outbox   []*models.OutboxMessage
	failNext error

	// beforeCreate runs ahead of CreateCommunication, standing in for a concurrent writer.
	beforeCreate func()
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		comms: make(map[uuid.UUID]*models.Communication),
		rows:  make(map[uuid.UUID]*models.Recipient),
		files: make(map[uuid.UUID][]*models.CommunicationFile),
	}
}

func cloneRow(r *models.Recipient) *models.Recipient {
	c := *r
	return &c
}

func (s *fakeStore) CreateCommunication(_ context.Context, nc *models.NewCommunication) error {
	if s.beforeCreate != nil {
		s.beforeCreate()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return err
	}
	c := nc.Communication
	if c.IdempotencyKey != nil {
		for _, other := range s.comms {
			if other.AuthorID == c.AuthorID && other.IdempotencyKey != nil && *other.IdempotencyKey == *c.IdempotencyKey {
				return repository.ErrConflict
			}
		}
	}
	seen := make(map[uuid.UUID]struct{})
	for _, r := range nc.Recipients {
		if _, dup := seen[r.UserID]; dup {
			return repository.ErrConflict
		}
		seen[r.UserID] = struct{}{}
	}

	now := time.Now()
	cc := *c
	cc.CreatedAt = now
	c.CreatedAt = now
	s.comms[c.ID] = &cc
	for _, r := range nc.Recipients {
		r.UpdatedAt = now
		s.rows[r.ID] = cloneRow(r)
		s.order = append(s.order, r.ID)
	}
	for _, f := range nc.Files {
		ff := *f
		s.files[c.ID] = append(s.files[c.ID], &ff)
	}
	if nc.DispatchJob != nil {
		s.outbox = append(s.outbox, nc.DispatchJob)
	}
	return nil
}

func (s *fakeStore) AttachFiles(_ context.Context, files []*models.CommunicationFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range files {
		ff := *f
		s.files[f.CommunicationID] = append(s.files[f.CommunicationID], &ff)
	}
	return nil
}

func (s *fakeStore) RequeueRecipient(_ context.Context, communicationID, recipientID uuid.UUID, maxAttempts int, job func(*models.Recipient) (*models.OutboxMessage, error)) (*models.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rows[recipientID]
	if !ok || r.CommunicationID != communicationID || r.DeliveryStatus != models.DeliveryFailed || r.AttemptCount >= maxAttempts {
		return nil, repository.ErrNotFound
	}
	next := cloneRow(r)
	next.DeliveryStatus = models.DeliveryAttempting
	next.DeliveryError = nil
	next.AttemptCount++
	next.UpdatedAt = time.Now()

	msg, err := job(cloneRow(next))
	if err != nil {
		return nil, err
	}
	s.rows[recipientID] = next
	s.outbox = append(s.outbox, msg)
	return cloneRow(next), nil
}

func (s *fakeStore) GetCommunication(_ context.Context, id uuid.UUID) (*models.Communication, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.comms[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cc := *c
	return &cc, nil
}

func (s *fakeStore) FindByIdempotencyKey(_ context.Context, authorID uuid.UUID, key string) (*models.Communication, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.comms {
		if c.AuthorID == authorID && c.IdempotencyKey != nil && *c.IdempotencyKey == key {
			cc := *c
			return &cc, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *fakeStore) ListRecipients(_ context.Context, communicationID uuid.UUID) ([]*models.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Recipient, 0)
	for _, id := range s.order {
		if r := s.rows[id]; r.CommunicationID == communicationID {
			out = append(out, cloneRow(r))
		}
	}
	return out, nil
}

func (s *fakeStore) GetRecipient(_ context.Context, communicationID, id uuid.UUID) (*models.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if !ok || r.CommunicationID != communicationID {
		return nil, repository.ErrNotFound
	}
	return cloneRow(r), nil
}

func (s *fakeStore) ListFiles(_ context.Context, communicationID uuid.UUID) ([]*models.CommunicationFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.CommunicationFile, 0)
	for _, f := range s.files[communicationID] {
		ff := *f
		out = append(out, &ff)
	}
	return out, nil
}

func (s *fakeStore) ClaimForDispatch(_ context.Context, communicationID uuid.UUID, staleBefore time.Time) ([]*models.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Recipient, 0)
	for _, id := range s.order {
		r := s.rows[id]
		if r.CommunicationID != communicationID {
			continue
		}
		switch {
		case r.DeliveryStatus == models.DeliveryPending:
			r.AttemptCount++
		case r.DeliveryStatus == models.DeliveryAttempting && r.UpdatedAt.Before(staleBefore):
		default:
			continue
		}
		r.DeliveryStatus = models.DeliveryAttempting
		r.UpdatedAt = time.Now()
		out = append(out, cloneRow(r))
	}
	return out, nil
}

func (s *fakeStore) ClaimAttempt(_ context.Context, communicationID, id uuid.UUID, attempt int) (*models.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if !ok || r.CommunicationID != communicationID || r.DeliveryStatus != models.DeliveryAttempting || r.AttemptCount != attempt {
		return nil, repository.ErrNotFound
	}
	r.UpdatedAt = time.Now()
	return cloneRow(r), nil
}

func (s *fakeStore) ListStaleCommunications(_ context.Context, staleBefore time.Time, limit int) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[uuid.UUID]struct{})
	out := make([]uuid.UUID, 0)
	for _, id := range s.order {
		r := s.rows[id]
		if (r.DeliveryStatus != models.DeliveryPending && r.DeliveryStatus != models.DeliveryAttempting) || !r.UpdatedAt.Before(staleBefore) {
			continue
		}
		if _, ok := seen[r.CommunicationID]; ok {
			continue
		}
		seen[r.CommunicationID] = struct{}{}
		out = append(out, r.CommunicationID)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *fakeStore) RecordOutcome(_ context.Context, id uuid.UUID, status string, deliveryErr *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if !ok || r.DeliveryStatus != models.DeliveryAttempting {
		return repository.ErrNotFound
	}
	if !models.CanTransition(r.DeliveryStatus, status) {
		return errors.New("invalid transition")
	}
	r.DeliveryStatus = status
	r.DeliveryError = deliveryErr
	r.UpdatedAt = time.Now()
	return nil
}

func (s *fakeStore) MarkRead(_ context.Context, communicationID, id uuid.UUID) (*models.Recipient, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if !ok || r.CommunicationID != communicationID {
		return nil, false, repository.ErrNotFound
	}
	if r.Read {
		return cloneRow(r), false, nil
	}
	now := time.Now()
	r.Read = true
	r.ReadAt = &now
	return cloneRow(r), true, nil
}

func (s *fakeStore) setRow(id uuid.UUID, mutate func(r *models.Recipient)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mutate(s.rows[id])
}

func (s *fakeStore) outboxLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outbox)
}

func (s *fakeStore) lastJob() *models.OutboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outbox[len(s.outbox)-1]
}

func (s *fakeStore) commCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.comms)
}

type fakeDirectory struct {
	users    map[uuid.UUID]models.User
	entities map[uuid.UUID][]uuid.UUID
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		users:    make(map[uuid.UUID]models.User),
		entities: make(map[uuid.UUID][]uuid.UUID),
	}
}

func (d *fakeDirectory) addUser(email string) models.User {
	u := models.User{ID: uuid.New(), Email: email}
	d.users[u.ID] = u
	return u
}

func (d *fakeDirectory) addEntity(members ...models.User) uuid.UUID {
	id := uuid.New()
	for _, m := range members {
		d.entities[id] = append(d.entities[id], m.ID)
	}
	return id
}

func (d *fakeDirectory) GetUsers(_ context.Context, ids []uuid.UUID) ([]models.User, error) {
	out := make([]models.User, 0, len(ids))
	for _, id := range ids {
		if u, ok := d.users[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

func (d *fakeDirectory) GetEntityMembers(_ context.Context, entityID uuid.UUID) ([]models.User, error) {
	out := make([]models.User, 0)
	for _, id := range d.entities[entityID] {
		out = append(out, d.users[id])
	}
	return out, nil
}

type fakeBlobs struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newFakeBlobs() *fakeBlobs { return &fakeBlobs{blobs: make(map[string][]byte)} }

func (b *fakeBlobs) Store(_ context.Context, name string, r io.Reader) (string, int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	ref := uuid.NewString() + "/" + name
	b.blobs[ref] = data
	return ref, int64(len(data)), nil
}

func (b *fakeBlobs) Open(_ context.Context, ref string) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.blobs[ref]
	if !ok {
		return nil, errors.New("blob not found")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *fakeBlobs) Delete(_ context.Context, ref string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.blobs, ref)
	return nil
}

func (b *fakeBlobs) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.blobs)
}

type fakeCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeCache() *fakeCache { return &fakeCache{data: make(map[string][]byte)} }

func (c *fakeCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *fakeCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *fakeCache) Del(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.data, k)
	}
	return nil
}

func (c *fakeCache) SetNX(_ context.Context, key string, value []byte, _ time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.data[key]; ok {
		return false, nil
	}
	c.data[key] = value
	return true, nil
}

func (c *fakeCache) Incr(_ context.Context, key string, _ time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, _ := strconv.ParseInt(string(c.data[key]), 10, 64)
	n++
	c.data[key] = []byte(strconv.FormatInt(n, 10))
	return n, nil
}

func (c *fakeCache) Close() error { return nil }

// fakeAdapter answers each send with script(endpoint, n), n counting calls per endpoint from 1.
type fakeAdapter struct {
	ch     models.Channel
	caps   channel.Capabilities
	script func(endpoint string, n int) channel.Outcome
	block  bool
	// gate holds every send until closed
	gate chan struct{}

	mu       sync.Mutex
	calls    map[string]int
	last     map[string]channel.Message
	inflight int
	peak     int
}

func newFakeAdapter(ch models.Channel) *fakeAdapter {
	return &fakeAdapter{
		ch:    ch,
		calls: make(map[string]int),
		last:  make(map[string]channel.Message),
	}
}

func (a *fakeAdapter) Name() string                       { return "fake_" + string(a.ch) }
func (a *fakeAdapter) Channel() models.Channel            { return a.ch }
func (a *fakeAdapter) Capabilities() channel.Capabilities { return a.caps }

func (a *fakeAdapter) Send(ctx context.Context, msg channel.Message) channel.Outcome {
	a.mu.Lock()
	a.calls[msg.Endpoint]++
	n := a.calls[msg.Endpoint]
	a.last[msg.Endpoint] = msg
	a.mu.Unlock()

	if a.block {
		<-ctx.Done()
		return channel.ClassifyErr(ctx.Err())
	}
	if a.gate != nil {
		a.mu.Lock()
		a.inflight++
		if a.inflight > a.peak {
			a.peak = a.inflight
		}
		a.mu.Unlock()

		select {
		case <-a.gate:
		case <-ctx.Done():
		}

		a.mu.Lock()
		a.inflight--
		a.mu.Unlock()
		if ctx.Err() != nil {
			return channel.ClassifyErr(ctx.Err())
		}
	}
	if a.script == nil {
		return channel.Delivered("fake-" + msg.Endpoint)
	}
	return a.script(msg.Endpoint, n)
}

func (a *fakeAdapter) callsTo(endpoint string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[endpoint]
}

func (a *fakeAdapter) sending() (inflight, peak int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inflight, a.peak
}

func (a *fakeAdapter) lastTo(endpoint string) channel.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last[endpoint]
}

func (s *fakeStore) setKey(id, authorID uuid.UUID, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.comms[id]
	c.AuthorID = authorID
	c.IdempotencyKey = &key
}
