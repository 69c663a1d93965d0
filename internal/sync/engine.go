// Package sync drives message synchronization against the resolved relay:
// draining the outbox, pulling new messages per friend and propagating read
// receipts.
package sync

import (
	"context"
	"encoding/json"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/matheus3301/lifetrack/internal/bus"
	"github.com/matheus3301/lifetrack/internal/endpoint"
	"github.com/matheus3301/lifetrack/internal/outbox"
	"github.com/matheus3301/lifetrack/internal/remote"
	"github.com/matheus3301/lifetrack/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const tracerName = "github.com/matheus3301/lifetrack/internal/sync"

// Remote is the relay protocol as seen by the engine.
type Remote interface {
	outbox.Transport
	FetchMessages(ctx context.Context, req remote.FetchRequest) ([]json.RawMessage, error)
	MarkRead(ctx context.Context, serverMessageID, viewer string) error
}

// RemoteFactory builds a Remote for a resolved base URL.
type RemoteFactory func(baseURL string) Remote

// HTTPRemote is the RemoteFactory backed by remote.Client.
func HTTPRemote(opts ...remote.Option) RemoteFactory {
	return func(baseURL string) Remote {
		return remote.New(baseURL, opts...)
	}
}

// FriendLister returns the counterparts a viewer pulls from.
type FriendLister interface {
	FriendIDs(viewer string, limit int) ([]string, error)
}

// Config bounds the work done by one cycle.
type Config struct {
	OutboxBatch     int
	FriendLimit     int
	PageSize        int
	PullConcurrency int
	RequestTimeout  time.Duration
	Retry           outbox.Policy
}

// DefaultConfig returns the limits used when none are configured.
func DefaultConfig() Config {
	return Config{
		OutboxBatch:     50,
		FriendLimit:     50,
		PageSize:        200,
		PullConcurrency: 4,
		RequestTimeout:  10 * time.Second,
		Retry:           outbox.DefaultPolicy(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.OutboxBatch <= 0 {
		c.OutboxBatch = d.OutboxBatch
	}
	if c.FriendLimit <= 0 {
		c.FriendLimit = d.FriendLimit
	}
	if c.PageSize <= 0 {
		c.PageSize = d.PageSize
	}
	if c.PullConcurrency <= 0 {
		c.PullConcurrency = d.PullConcurrency
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.Retry == (outbox.Policy{}) {
		c.Retry = d.Retry
	}
	return c
}

// Params are the collaborators shared by Engine and ReadReceipts.
type Params struct {
	DB        *store.DB
	Resolver  endpoint.Resolver
	Source    endpoint.Source
	Friends   FriendLister // defaults to DB
	NewRemote RemoteFactory
	Bus       *bus.Bus
	Logger    *zap.Logger
	Config    Config
	Now       func() time.Time
}

func (p Params) withDefaults() Params {
	if p.Friends == nil {
		p.Friends = p.DB
	}
	if p.NewRemote == nil {
		p.NewRemote = HTTPRemote()
	}
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	p.Config = p.Config.withDefaults()
	return p
}

// Summary reports one cycle. OK is false when any send failed terminally or
// any friend could not be pulled.
type Summary struct {
	OK                 bool                       `json:"ok"`
	Viewer             string                     `json:"viewer"`
	Endpoint           endpoint.Resolution        `json:"endpoint"`
	Sent               int                        `json:"sent"`
	Received           int                        `json:"received"`
	Failed             int                        `json:"failed"`
	Retried            int                        `json:"retried"`
	FetchErrors        int                        `json:"fetchErrors"`
	Dropped            int                        `json:"dropped"`
	OutboxStatusCounts map[store.OutboxStatus]int `json:"outboxStatusCounts"`
	StartedAt          time.Time                  `json:"startedAt"`
	FinishedAt         time.Time                  `json:"finishedAt"`
}

// Engine runs sync cycles. Cycles for the same viewer never overlap.
type Engine struct {
	p          Params
	sender     *outbox.Sender
	reconciler *Reconciler
	tracer     trace.Tracer

	mu    stdsync.Mutex
	locks map[string]*stdsync.Mutex
}

// NewEngine creates a new sync engine.
func NewEngine(p Params) *Engine {
	p = p.withDefaults()
	rec := NewReconciler(p.DB, p.Logger)
	rec.now = p.Now
	return &Engine{
		p: p,
		sender: outbox.NewSender(p.DB, rec, p.Bus, p.Logger, outbox.SenderConfig{
			Policy:         p.Config.Retry,
			RequestTimeout: p.Config.RequestTimeout,
			Now:            p.Now,
		}),
		reconciler: rec,
		tracer:     otel.Tracer(tracerName),
		locks:      make(map[string]*stdsync.Mutex),
	}
}

// Reconciler returns the reconciler used for pulled records.
func (e *Engine) Reconciler() *Reconciler { return e.reconciler }

func (e *Engine) viewerLock(viewer string) *stdsync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[viewer]
	if !ok {
		l = &stdsync.Mutex{}
		e.locks[viewer] = l
	}
	return l
}

// RunCycle resolves the endpoint, drains due outbox entries and then pulls
// new messages from each friend. An unreachable endpoint yields a local-only
// summary, not an error. Only store failures and cancellation are returned
// as errors.
func (e *Engine) RunCycle(ctx context.Context, viewer string) (*Summary, error) {
	lock := e.viewerLock(viewer)
	lock.Lock()
	defer lock.Unlock()

	ctx, span := e.tracer.Start(ctx, "sync.cycle", trace.WithAttributes(attribute.String("viewer", viewer)))
	defer span.End()

	sum := &Summary{Viewer: viewer, StartedAt: e.p.Now()}
	sum.Endpoint = e.p.Resolver.ResolveSource(e.p.Source)
	span.SetAttributes(
		attribute.String("endpoint.mode", string(sum.Endpoint.Mode)),
		attribute.Bool("endpoint.reachable", sum.Endpoint.Reachable),
	)
	e.p.Bus.Publish(bus.NewEvent(bus.KindCycleStarted, map[string]string{"viewer": viewer}))

	if sum.Endpoint.Reachable {
		rem := e.p.NewRemote(sum.Endpoint.BaseURL)
		if err := e.drain(ctx, rem, viewer, sum); err != nil {
			return nil, fail(span, err)
		}
		if err := e.pull(ctx, rem, viewer, sum); err != nil {
			return nil, fail(span, err)
		}
	} else {
		e.p.Logger.Debug("endpoint unreachable, local-only cycle",
			zap.String("viewer", viewer), zap.String("reason", sum.Endpoint.Reason))
	}

	counts, err := e.p.DB.OutboxStatusCounts(viewer)
	if err != nil {
		return nil, fail(span, fmt.Errorf("outbox status counts: %w", err))
	}
	sum.OutboxStatusCounts = counts
	sum.OK = sum.Failed == 0 && sum.FetchErrors == 0
	sum.FinishedAt = e.p.Now()

	if err := e.saveSummary(sum); err != nil {
		return nil, fail(span, err)
	}

	span.SetAttributes(
		attribute.Int("sent", sum.Sent),
		attribute.Int("received", sum.Received),
		attribute.Int("failed", sum.Failed),
		attribute.Int("fetch_errors", sum.FetchErrors),
	)
	if !sum.OK {
		span.SetStatus(codes.Error, "partial failure")
	}
	e.p.Logger.Info("sync cycle completed",
		zap.String("viewer", viewer),
		zap.Bool("ok", sum.OK),
		zap.String("reason", sum.Endpoint.Reason),
		zap.Int("sent", sum.Sent),
		zap.Int("received", sum.Received),
		zap.Int("failed", sum.Failed),
		zap.Int("retried", sum.Retried),
		zap.Int("fetch_errors", sum.FetchErrors),
		zap.Int("dropped", sum.Dropped),
	)
	e.p.Bus.Publish(bus.NewEvent(bus.KindCycleCompleted, *sum))
	return sum, nil
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func (e *Engine) drain(ctx context.Context, rem Remote, viewer string, sum *Summary) error {
	ctx, span := e.tracer.Start(ctx, "sync.drain")
	defer span.End()

	res, err := e.sender.Drain(ctx, rem, viewer, e.p.Config.OutboxBatch)
	sum.Sent += res.Sent
	sum.Retried += res.Retried
	sum.Failed += res.Failed
	span.SetAttributes(attribute.Int("sent", res.Sent), attribute.Int("retried", res.Retried), attribute.Int("failed", res.Failed))
	if err != nil {
		return fail(span, err)
	}
	return nil
}

// friendPull is the outcome of pulling one conversation.
type friendPull struct {
	received int
	dropped  int
	fetchErr error
}

func (e *Engine) pull(ctx context.Context, rem Remote, viewer string, sum *Summary) error {
	friends, err := e.p.Friends.FriendIDs(viewer, e.p.Config.FriendLimit)
	if err != nil {
		return fmt.Errorf("list friends: %w", err)
	}

	results := make([]friendPull, len(friends))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.p.Config.PullConcurrency)
	for i, friend := range friends {
		g.Go(func() error {
			res, err := e.pullFriend(gctx, rem, viewer, friend)
			results[i] = res
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, res := range results {
		sum.Received += res.received
		sum.Dropped += res.dropped
		if res.fetchErr != nil {
			sum.FetchErrors++
			e.p.Logger.Warn("pull failed",
				zap.String("viewer", viewer),
				zap.String("friend", friends[i]),
				zap.Error(res.fetchErr),
			)
		}
	}
	return nil
}

// pullFriend fetches and merges one conversation. Fetch failures are
// returned in the result; the error is reserved for the store.
func (e *Engine) pullFriend(ctx context.Context, rem Remote, viewer, friend string) (friendPull, error) {
	ctx, span := e.tracer.Start(ctx, "sync.pull", trace.WithAttributes(attribute.String("friend", friend)))
	defer span.End()

	var res friendPull
	req := remote.FetchRequest{Viewer: viewer, Friend: friend, Limit: e.p.Config.PageSize}
	ts, ok, err := e.p.DB.LatestCreatedAt(viewer, friend)
	if err != nil {
		return res, fail(span, fmt.Errorf("watermark %s: %w", friend, err))
	}
	if ok {
		req.Since = time.UnixMilli(ts)
	}

	callCtx, cancel := context.WithTimeout(ctx, e.p.Config.RequestTimeout)
	items, err := rem.FetchMessages(callCtx, req)
	cancel()
	if err != nil {
		// A canceled cycle is not a per-friend failure.
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.fetchErr = err
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		return res, nil
	}

	for _, raw := range items {
		applied, err := e.reconciler.ApplyConversation(raw, viewer, friend)
		if err != nil {
			return res, fail(span, err)
		}
		if !applied.Merged {
			res.dropped++
			e.p.Logger.Debug("record dropped",
				zap.String("friend", friend), zap.String("reason", applied.Reason))
			continue
		}
		res.received++
		if applied.Inserted {
			e.p.Bus.Publish(bus.NewEvent(bus.KindMessageReceived, map[string]string{
				"client_message_id": applied.Record.ClientMessageID,
				"from_user_id":      applied.Record.FromUserID,
				"to_user_id":        applied.Record.ToUserID,
			}))
		}
	}
	span.SetAttributes(attribute.Int("received", res.received), attribute.Int("dropped", res.dropped))
	return res, nil
}

func lastCycleKey(viewer string) string { return "last_cycle:" + viewer }

func (e *Engine) saveSummary(sum *Summary) error {
	b, err := json.Marshal(sum)
	if err != nil {
		return err
	}
	if err := e.p.DB.PutSyncState(lastCycleKey(sum.Viewer), string(b)); err != nil {
		return fmt.Errorf("save cycle summary: %w", err)
	}
	return nil
}

// LastSummary returns the summary of the most recent completed cycle for
// viewer, if any.
func (e *Engine) LastSummary(viewer string) (*Summary, bool, error) {
	v, ok, err := e.p.DB.GetSyncState(lastCycleKey(viewer))
	if err != nil || !ok {
		return nil, false, err
	}
	var sum Summary
	if err := json.Unmarshal([]byte(v), &sum); err != nil {
		return nil, false, fmt.Errorf("decode cycle summary: %w", err)
	}
	return &sum, true, nil
}
