package recordsync

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"hush-chat/go-keycore/internal/exchange"
	"hush-chat/go-keycore/internal/platform/privacylog"
	"hush-chat/go-keycore/pkg/models"
)

const (
	defaultBroadcastRetries    = 3
	defaultBroadcastRetryBase  = 50 * time.Millisecond
	defaultBroadcastRetryLimit = 2 * time.Second
)

// Syncer feeds envelopes arriving on the transport into the local record
// store and pushes locally written records to their counterparties.
type Syncer struct {
	client *Client
	store  exchange.RecordStore
	selfID string
	logger *slog.Logger
	now    func() time.Time

	retries    int
	retryBase  time.Duration
	retryLimit time.Duration
}

func NewSyncer(client *Client, store exchange.RecordStore, selfID string, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		client:     client,
		store:      store,
		selfID:     selfID,
		logger:     logger,
		now:        time.Now,
		retries:    defaultBroadcastRetries,
		retryBase:  defaultBroadcastRetryBase,
		retryLimit: defaultBroadcastRetryLimit,
	}
}

// Start subscribes for inbound envelopes. The client must be connected.
func (s *Syncer) Start() error {
	s.client.SetIdentity(s.selfID)
	return s.client.SubscribeRecords(s.absorb)
}

// Broadcast ships one locally written record to its counterparty. Transport
// errors are retried with bounded doubling backoff; a record still
// undelivered after that is picked up again by RebroadcastPending.
func (s *Syncer) Broadcast(ctx context.Context, rec models.WrappedKeyRecord) error {
	env := EnvelopeFor(s.selfID, rec)
	delay := s.retryBase
	var lastErr error
	for attempt := 0; attempt < s.retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if lastErr = s.client.PublishRecord(ctx, env); lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, ErrNotConnected) {
			// Not transient: the record waits for RebroadcastPending once
			// the transport comes back.
			return lastErr
		}
		if attempt == s.retries-1 {
			break
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
		if delay > s.retryLimit {
			delay = s.retryLimit
		}
	}
	return lastErr
}

// RebroadcastPending pushes every still-pending record this identity created
// back onto the transport, recovering wraps issued while it was offline.
func (s *Syncer) RebroadcastPending(ctx context.Context) (int, error) {
	records, err := s.store.CreatedBy(s.selfID)
	if err != nil {
		return 0, err
	}
	now := s.now()
	pushed := 0
	for _, rec := range records {
		if rec.EffectiveStatus(now) != models.ExchangeStatusPending {
			continue
		}
		if err := s.Broadcast(ctx, rec); err != nil {
			return pushed, err
		}
		pushed++
	}
	return pushed, nil
}

// Resync pulls envelopes addressed to self that the subscription missed
// while offline and merges them into the store.
func (s *Syncer) Resync(ctx context.Context, since time.Time, limit int) (int, error) {
	envelopes, err := s.client.FetchRecordsSince(ctx, s.selfID, since, limit)
	if err != nil {
		return 0, err
	}
	merged := 0
	for _, env := range envelopes {
		s.absorb(env)
		merged++
	}
	return merged, nil
}

// absorb merges one inbound record. A terminal local status is never
// overwritten by a replayed copy, whatever status the copy carries.
func (s *Syncer) absorb(env RecordEnvelope) {
	rec := env.Record
	if rec.ID == "" || (rec.TargetID != s.selfID && rec.RequesterID != s.selfID) {
		return
	}
	existing, ok, err := s.store.Get(rec.ID)
	if err != nil {
		s.logger.Warn("record lookup failed during sync",
			privacylog.SanitizeArgs("record_id", rec.ID, "error", err.Error())...)
		return
	}
	if ok && models.TerminalStatus(existing.Status) {
		if rec.Status == models.ExchangeStatusPending && existing.TargetID == s.selfID {
			// The requester is still pushing this wrap, so it has not seen
			// the settled status; answer the replay with the terminal copy.
			if err := s.Broadcast(context.Background(), existing); err != nil {
				s.logger.Debug("settled status echo deferred",
					privacylog.SanitizeArgs("record_id", existing.ID, "error", err.Error())...)
			}
		}
		return
	}
	if err := s.store.Put(rec); err != nil {
		s.logger.Warn("record merge failed during sync",
			privacylog.SanitizeArgs(
				"record_id", rec.ID,
				"conversation_id", rec.ConversationID,
				"error", err.Error(),
			)...)
	}
}
