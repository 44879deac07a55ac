package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"comm_dispatch/internal/channel"
	"comm_dispatch/internal/config"
	"comm_dispatch/internal/kafka"
	"comm_dispatch/internal/metrics"
	"comm_dispatch/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const maxRetryBackoff = 30 * time.Second

// Dispatcher runs dispatch rounds: it claims recipient rows, calls the channel
// adapter once per row and records each outcome on its own row.
type Dispatcher struct {
	store       Storage
	directory   Directory
	registry    *channel.Registry
	attachments *Attachments
	tracker     *Tracker
	cfg         config.DispatchConfig
	logger      *zap.Logger

	mu   sync.Mutex
	sems map[models.Channel]*semaphore.Weighted

	// rounds and the sweeper loop
	wg sync.WaitGroup

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewDispatcher(
	store Storage,
	directory Directory,
	registry *channel.Registry,
	attachments *Attachments,
	tracker *Tracker,
	cfg config.DispatchConfig,
	logger *zap.Logger,
) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 16
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	if cfg.TransportRetries < 0 {
		cfg.TransportRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	return &Dispatcher{
		store:       store,
		directory:   directory,
		registry:    registry,
		attachments: attachments,
		tracker:     tracker,
		cfg:         cfg,
		logger:      logger,
		sems:        make(map[models.Channel]*semaphore.Weighted),
		now:         time.Now,
		sleep:       sleepCtx,
	}
}

// ProcessDispatchMessage handles one job from the dispatch topic. Malformed jobs
// are reported as kafka.ErrPoisonMessage so the consumer skips them.
func (d *Dispatcher) ProcessDispatchMessage(ctx context.Context, payload []byte) error {
	msg, err := kafka.DecodeDispatchMessage(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", kafka.ErrPoisonMessage, err)
	}

	switch msg.Kind {
	case kafka.KindRecipient:
		err = d.DispatchRecipient(ctx, msg.CommunicationID, *msg.RecipientID, msg.Attempt)
	default:
		err = d.DispatchCommunication(ctx, msg.CommunicationID)
	}
	if isNotFound(err) {
		return fmt.Errorf("%w: %v", kafka.ErrPoisonMessage, err)
	}
	return err
}

// DispatchCommunication runs one round over every pending row of a communication,
// plus rows a crashed round left in attempting. A redelivered job finds nothing
// to claim and sends nothing.
func (d *Dispatcher) DispatchCommunication(ctx context.Context, communicationID uuid.UUID) error {
	job, err := d.prepare(ctx, communicationID)
	if err != nil {
		return err
	}

	rows, err := d.store.ClaimForDispatch(ctx, communicationID, d.now().Add(-d.staleAfter()))
	if err != nil {
		return fmt.Errorf("claim recipients: %w", err)
	}
	if len(rows) == 0 {
		d.logger.Debug("nothing to dispatch", zap.String("communication_id", communicationID.String()))
		return nil
	}
	return d.run(ctx, job, rows)
}

// DispatchRecipient runs a manual retry for one row. The attempt number ties the job
// to the retry that created it; a redelivered or outdated job is a no-op.
func (d *Dispatcher) DispatchRecipient(ctx context.Context, communicationID, recipientID uuid.UUID, attempt int) error {
	job, err := d.prepare(ctx, communicationID)
	if err != nil {
		return err
	}

	row, err := d.store.ClaimAttempt(ctx, communicationID, recipientID, attempt)
	if isNotFound(err) {
		d.logger.Debug("retry job already handled",
			zap.String("communication_id", communicationID.String()),
			zap.String("recipient_id", recipientID.String()),
			zap.Int("attempt", attempt),
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("claim recipient attempt: %w", err)
	}
	return d.run(ctx, job, []*models.Recipient{row})
}

// StartStaleSweeper periodically re-dispatches communications whose rows were left in
// attempting by a round that never finished, or left pending because their job was
// never published.
func (d *Dispatcher) StartStaleSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				d.SweepStale(ctx)
			}
		}
	}()
}

// Wait blocks until in-flight rounds have recorded their outcomes and the sweeper
// has stopped, or until ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) SweepStale(ctx context.Context) {
	ids, err := d.store.ListStaleCommunications(ctx, d.now().Add(-d.staleAfter()), 50)
	if err != nil {
		d.logger.Error("list stale communications", zap.Error(err))
		return
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		if err := d.DispatchCommunication(ctx, id); err != nil {
			d.logger.Error("re-dispatch stale communication", zap.String("communication_id", id.String()), zap.Error(err))
		}
	}
}

// dispatchJob is everything a round needs, loaded before any row is claimed so a
// load failure leaves rows untouched for the redelivered job.
type dispatchJob struct {
	comm        *models.Communication
	adapter     channel.Adapter
	users       map[uuid.UUID]models.User
	attachments []channel.Attachment
}

func (d *Dispatcher) prepare(ctx context.Context, communicationID uuid.UUID) (*dispatchJob, error) {
	comm, err := d.store.GetCommunication(ctx, communicationID)
	if err != nil {
		return nil, fmt.Errorf("get communication: %w", err)
	}
	rows, err := d.store.ListRecipients(ctx, communicationID)
	if err != nil {
		return nil, fmt.Errorf("list recipients: %w", err)
	}
	ids := make([]uuid.UUID, 0, len(rows))
	for _, r := range rows {
		if r.DeliveryStatus == models.DeliveryPending || r.DeliveryStatus == models.DeliveryAttempting {
			ids = append(ids, r.UserID)
		}
	}
	users, err := d.directory.GetUsers(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("get users: %w", err)
	}
	atts, err := d.attachments.ForMessage(ctx, communicationID)
	if err != nil {
		return nil, err
	}

	job := &dispatchJob{
		comm:        comm,
		users:       make(map[uuid.UUID]models.User, len(users)),
		attachments: atts,
	}
	for _, u := range users {
		job.users[u.ID] = u
	}
	// a missing adapter fails rows individually instead of blocking the topic
	job.adapter, _ = d.registry.Get(comm.Channel)
	return job, nil
}

func (d *Dispatcher) run(ctx context.Context, job *dispatchJob, rows []*models.Recipient) error {
	d.wg.Add(1)
	defer d.wg.Done()

	// in-flight sends and outcome writes must not be cut short by a shutdown
	sendCtx := context.WithoutCancel(ctx)
	sem := d.semaphore(job.comm.Channel)

	var (
		g         errgroup.Group
		mu        sync.Mutex
		delivered int
		failed    int
	)
	for _, row := range rows {
		if err := sem.Acquire(ctx, 1); err != nil {
			// rows not started stay attempting until the sweeper reclaims them
			_ = g.Wait()
			return fmt.Errorf("acquire %s slot: %w", job.comm.Channel, err)
		}
		g.Go(func() error {
			defer sem.Release(1)
			// refresh the claim after queueing; skip rows another round already finished
			if _, err := d.store.ClaimAttempt(sendCtx, job.comm.ID, row.ID, row.AttemptCount); err != nil {
				if !isNotFound(err) {
					d.logger.Error("refresh recipient claim", zap.String("recipient_id", row.ID.String()), zap.Error(err))
				}
				return nil
			}
			status := d.deliver(sendCtx, job, row)
			mu.Lock()
			if status == models.DeliveryDelivered {
				delivered++
			} else {
				failed++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	d.logger.Info("dispatch round finished",
		zap.String("communication_id", job.comm.ID.String()),
		zap.String("channel", string(job.comm.Channel)),
		zap.Int("delivered", delivered),
		zap.Int("failed", failed),
	)
	return nil
}

// deliver sends to one recipient, retrying retryable failures within the round, and
// records the final outcome. It returns the status written.
func (d *Dispatcher) deliver(ctx context.Context, job *dispatchJob, row *models.Recipient) string {
	log := d.logger.With(
		zap.String("communication_id", job.comm.ID.String()),
		zap.String("recipient_id", row.ID.String()),
		zap.String("channel", string(job.comm.Channel)),
	)

	if job.adapter == nil {
		return d.finish(ctx, log, job, row, models.DeliveryFailed, models.ErrCodeTransport+": no adapter configured for channel")
	}
	log = log.With(zap.String("provider", job.adapter.Name()))

	user, ok := job.users[row.UserID]
	if !ok {
		return d.finish(ctx, log, job, row, models.DeliveryFailed, models.ErrCodeEndpointMissing)
	}
	endpoint, ok := user.Endpoint(job.comm.Channel)
	if !ok {
		return d.finish(ctx, log, job, row, models.DeliveryFailed, models.ErrCodeEndpointMissing)
	}

	msg := channel.Message{
		Endpoint:    endpoint,
		Subject:     job.comm.Subject,
		Content:     job.comm.Content,
		Attachments: job.attachments,
	}

	for try := 1; ; try++ {
		out, timedOut := d.attempt(ctx, job, msg)
		if out.Delivered {
			log.Debug("recipient delivered", zap.String("provider_id", out.ProviderID), zap.Int("tries", try))
			return d.finish(ctx, log, job, row, models.DeliveryDelivered, "")
		}

		retryable := out.Retryable || timedOut
		if !retryable {
			return d.finish(ctx, log, job, row, models.DeliveryFailed, models.ErrCodeTransport+": "+out.Reason)
		}
		if try > d.cfg.TransportRetries {
			if timedOut {
				return d.finish(ctx, log, job, row, models.DeliveryFailed, models.ErrCodeTimeout)
			}
			return d.finish(ctx, log, job, row, models.DeliveryFailed, models.ErrCodeTerminalDelivery+": "+out.Reason)
		}

		backoff := d.retryBackoff(try)
		metrics.IncTransportRetry(string(job.comm.Channel))
		log.Warn("transient delivery failure",
			zap.Int("try", try),
			zap.Bool("timeout", timedOut),
			zap.String("reason", out.Reason),
			zap.Duration("retry_in", backoff),
		)
		if err := d.sleep(ctx, backoff); err != nil {
			return d.finish(ctx, log, job, row, models.DeliveryFailed, models.ErrCodeTerminalDelivery+": "+err.Error())
		}
	}
}

// attempt makes one bounded adapter call.
func (d *Dispatcher) attempt(ctx context.Context, job *dispatchJob, msg channel.Message) (channel.Outcome, bool) {
	callCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	defer cancel()

	start := time.Now()
	out := job.adapter.Send(callCtx, msg)
	timedOut := !out.Delivered && errors.Is(callCtx.Err(), context.DeadlineExceeded)

	outcome := "delivered"
	switch {
	case timedOut:
		outcome = "timeout"
	case !out.Delivered && out.Retryable:
		outcome = "retryable"
	case !out.Delivered:
		outcome = "failed"
	}
	metrics.ObserveDeliveryAttempt(string(job.comm.Channel), job.adapter.Name(), outcome, time.Since(start))
	return out, timedOut
}

func (d *Dispatcher) finish(ctx context.Context, log *zap.Logger, job *dispatchJob, row *models.Recipient, status, code string) string {
	var deliveryErr *string
	if code != "" {
		deliveryErr = &code
		log.Info("recipient failed", zap.String("error", code))
	}
	if err := d.tracker.RecordOutcome(ctx, job.comm.ID, row.ID, status, deliveryErr); err != nil {
		log.Error("record outcome", zap.String("status", status), zap.Error(err))
	}
	return status
}

// semaphore returns the slot pool for c, shared by every communication on it.
func (d *Dispatcher) semaphore(c models.Channel) *semaphore.Weighted {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sems[c]
	if !ok {
		s = semaphore.NewWeighted(int64(d.cfg.Concurrency))
		d.sems[c] = s
	}
	return s
}

// retryBackoff grows linearly with the try number, capped at 30s.
func (d *Dispatcher) retryBackoff(try int) time.Duration {
	b := time.Duration(try) * d.cfg.RetryBackoff
	if b > maxRetryBackoff {
		b = maxRetryBackoff
	}
	return b
}

// staleAfter is how long a row may sit in attempting before another round may
// claim it: the longest a full round of tries can take, plus a margin.
func (d *Dispatcher) staleAfter() time.Duration {
	total := time.Duration(d.cfg.TransportRetries+1) * d.cfg.SendTimeout
	for try := 1; try <= d.cfg.TransportRetries; try++ {
		total += d.retryBackoff(try)
	}
	return total + time.Minute
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
