package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/matheus3301/lifetrack/internal/bus"
	"github.com/matheus3301/lifetrack/internal/remote"
	"github.com/matheus3301/lifetrack/internal/store"
	"go.uber.org/zap"
)

// Transport delivers one message to the remote side.
type Transport interface {
	SendMessage(ctx context.Context, req remote.SendRequest) (json.RawMessage, error)
}

// Merger folds the canonical record returned by a successful send back into
// the store. sent is the local message the record answers, used to fill in
// fields the server left out. merged=false means the record was rejected.
type Merger interface {
	ApplyEcho(raw json.RawMessage, sent store.Message) (merged bool, err error)
}

// SenderConfig tunes a Sender. Zero values fall back to defaults.
type SenderConfig struct {
	Policy         Policy
	RequestTimeout time.Duration
	Now            func() time.Time
}

// Sender drains due outbox entries through a Transport.
type Sender struct {
	db      *store.DB
	merger  Merger
	bus     *bus.Bus
	logger  *zap.Logger
	policy  Policy
	timeout time.Duration
	now     func() time.Time
}

// DrainResult counts the outcome of one drain pass.
type DrainResult struct {
	Sent    int
	Retried int
	Failed  int
}

// NewSender creates a new outbox sender.
func NewSender(db *store.DB, merger Merger, b *bus.Bus, logger *zap.Logger, cfg SenderConfig) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Policy == (Policy{}) {
		cfg.Policy = DefaultPolicy()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Sender{
		db:      db,
		merger:  merger,
		bus:     b,
		logger:  logger,
		policy:  cfg.Policy,
		timeout: cfg.RequestTimeout,
		now:     cfg.Now,
	}
}

// Policy returns the retry policy in use.
func (s *Sender) Policy() Policy { return s.policy }

// Drain attempts every entry of viewer that is due now, at most batch of
// them. A failed send only affects its own entry. Store errors abort the pass.
func (s *Sender) Drain(ctx context.Context, t Transport, viewer string, batch int) (DrainResult, error) {
	var res DrainResult

	due, err := s.db.DueOutbox(viewer, s.now().UnixMilli(), batch)
	if err != nil {
		return res, fmt.Errorf("load due outbox: %w", err)
	}

	for _, entry := range due {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		status, err := s.attempt(ctx, t, entry)
		if err != nil {
			return res, err
		}
		switch status {
		case store.OutboxSent:
			res.Sent++
		case store.OutboxRetrying:
			res.Retried++
		case store.OutboxFailed:
			res.Failed++
		}
	}
	return res, nil
}

func (s *Sender) attempt(ctx context.Context, t Transport, entry store.OutboxEntry) (store.OutboxStatus, error) {
	msg := entry.Message
	cmid := msg.ClientMessageID
	attempts := entry.Attempts + 1

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	raw, sendErr := t.SendMessage(callCtx, remote.SendRequest{
		FromUserID:      msg.FromUserID,
		ToUserID:        msg.ToUserID,
		ContentType:     string(msg.ContentType),
		Content:         msg.Content,
		ClientMessageID: cmid,
	})
	cancel()

	if sendErr == nil {
		if err := s.db.MarkOutboxSent(cmid, attempts); err != nil {
			return "", err
		}
		if len(raw) > 0 && s.merger != nil {
			merged, err := s.merger.ApplyEcho(raw, msg)
			if err != nil {
				return "", fmt.Errorf("merge canonical record %s: %w", cmid, err)
			}
			if !merged {
				s.logger.Warn("canonical record rejected", zap.String("client_message_id", cmid))
			}
		}
		s.logger.Info("message sent", zap.String("client_message_id", cmid), zap.Int("attempts", attempts))
		s.publish(bus.KindMessageSent, cmid, attempts, "")
		return store.OutboxSent, nil
	}

	// The pass was canceled, not the delivery: leave the entry as it was.
	if err := ctx.Err(); err != nil {
		return "", err
	}

	class := Classify(sendErr)
	if class == Terminal || s.policy.Exhausted(attempts) {
		if err := s.db.MarkOutboxFailed(cmid, attempts, sendErr.Error()); err != nil {
			return "", err
		}
		s.logger.Warn("message failed",
			zap.String("client_message_id", cmid),
			zap.Int("attempts", attempts),
			zap.Stringer("class", class),
			zap.Error(sendErr),
		)
		s.publish(bus.KindMessageFailed, cmid, attempts, sendErr.Error())
		return store.OutboxFailed, nil
	}

	next := s.policy.NextAttempt(attempts, s.now())
	if err := s.db.MarkOutboxRetrying(cmid, attempts, next.UnixMilli(), sendErr.Error()); err != nil {
		return "", err
	}
	s.logger.Debug("message send will be retried",
		zap.String("client_message_id", cmid),
		zap.Int("attempts", attempts),
		zap.Time("next_retry_at", next),
		zap.Error(sendErr),
	)
	s.publish(bus.KindMessageRetrying, cmid, attempts, sendErr.Error())
	return store.OutboxRetrying, nil
}

func (s *Sender) publish(kind, cmid string, attempts int, errText string) {
	payload := map[string]string{
		"client_message_id": cmid,
		"attempts":          fmt.Sprint(attempts),
	}
	if errText != "" {
		payload["error"] = errText
	}
	s.bus.Publish(bus.NewEvent(kind, payload))
}
