// Package api is the daemon control service, served over the profile's Unix
// socket. Requests and replies travel as google.protobuf.Struct documents
// whose fields mirror the json tags of the types in this package.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/matheus3301/lifetrack/internal/bus"
	"github.com/matheus3301/lifetrack/internal/config"
	"github.com/matheus3301/lifetrack/internal/endpoint"
	"github.com/matheus3301/lifetrack/internal/outbox"
	"github.com/matheus3301/lifetrack/internal/status"
	"github.com/matheus3301/lifetrack/internal/store"
	intsync "github.com/matheus3301/lifetrack/internal/sync"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	defaultListLimit = 100
	watchBuffer      = 256
)

var errNoViewer = grpcstatus.Error(codes.FailedPrecondition, "no viewer configured; run `lifetrackctl viewer <id>`")

// Deps are the daemon components the service drives.
type Deps struct {
	Profile  string
	DB       *store.DB
	Queue    *outbox.Queue
	Engine   *intsync.Engine
	Runner   *intsync.Runner
	Receipts *intsync.ReadReceipts
	Live     *config.Live
	Resolver endpoint.Resolver
	Machine  *status.Machine
	Bus      *bus.Bus
	Logger   *zap.Logger
}

// Service implements LifetrackServer.
type Service struct {
	d         Deps
	startedAt time.Time
}

// NewService creates the control service.
func NewService(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Service{d: d, startedAt: time.Now()}
}

// Register attaches the service to srv.
func (s *Service) Register(srv grpc.ServiceRegistrar) {
	srv.RegisterService(&ServiceDesc, s)
}

func (s *Service) viewer() (string, error) {
	v := s.d.Live.Viewer()
	if v == "" {
		return "", errNoViewer
	}
	return v, nil
}

func (s *Service) GetStatus(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	viewer := s.d.Live.Viewer()
	reply := StatusReply{
		Profile:    s.d.Profile,
		Viewer:     viewer,
		State:      string(s.d.Machine.Current()),
		StateSince: s.d.Machine.Since(),
		UptimeMs:   time.Since(s.startedAt).Milliseconds(),
		Endpoint:   s.d.Resolver.ResolveSource(s.d.Live),
		Watchers:   s.d.Bus.Subscribers(),
		Dropped:    s.d.Bus.Dropped(),
	}
	if viewer != "" {
		counts, err := s.d.DB.OutboxStatusCounts(viewer)
		if err != nil {
			return nil, s.fail("outbox status counts", err)
		}
		reply.Outbox = counts
		if sum, ok, err := s.d.Engine.LastSummary(viewer); err != nil {
			s.d.Logger.Warn("last cycle summary unreadable", zap.Error(err))
		} else if ok {
			reply.LastCycle = sum
		}
	}
	return toStruct(reply)
}

func (s *Service) SyncNow(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	sum, err := s.d.Runner.SyncNow(ctx)
	if err != nil {
		return nil, s.fail("sync", err)
	}
	return toStruct(sum)
}

func (s *Service) SendMessage(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req SendRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	viewer, err := s.viewer()
	if err != nil {
		return nil, err
	}

	var reply SendReply
	if req.ClientMessageID == "" {
		m, err := s.d.Queue.Compose(viewer, req.To, req.ContentType, req.Content)
		if err != nil {
			return nil, s.fail("send", err)
		}
		reply.Message, reply.Queued = *m, true
	} else {
		m := store.Message{
			ClientMessageID: req.ClientMessageID,
			FromUserID:      viewer,
			ToUserID:        req.To,
			ContentType:     req.ContentType,
			Content:         req.Content,
		}
		queued, err := s.d.Queue.Enqueue(&m)
		if err != nil {
			return nil, s.fail("send", err)
		}
		reply.Message, reply.Queued = m, queued
	}

	if req.Flush {
		sum, err := s.d.Runner.SyncNow(ctx)
		if err != nil {
			return nil, s.fail("sync", err)
		}
		reply.Cycle = sum
		if m, err := s.d.DB.GetByClientID(reply.Message.ClientMessageID); err == nil {
			reply.Message = *m
		}
	}
	return toStruct(reply)
}

func (s *Service) MarkRead(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req MarkReadRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	viewer, err := s.viewer()
	if err != nil {
		return nil, err
	}
	res, err := s.d.Receipts.MarkRead(ctx, viewer, req.ID)
	if err != nil {
		return nil, s.fail("mark read", err)
	}
	return toStruct(res)
}

func (s *Service) ListConversation(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ConversationRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if req.Friend == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "friend is required")
	}
	viewer, err := s.viewer()
	if err != nil {
		return nil, err
	}
	msgs, err := s.d.DB.Conversation(viewer, req.Friend, req.Since, limitOr(req.Limit))
	if err != nil {
		return nil, s.fail("list conversation", err)
	}
	return toStruct(MessagesReply{Messages: msgs})
}

func (s *Service) ListInbox(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ListRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	viewer, err := s.viewer()
	if err != nil {
		return nil, err
	}
	entries, err := s.d.DB.Inbox(viewer, limitOr(req.Limit))
	if err != nil {
		return nil, s.fail("list inbox", err)
	}
	return toStruct(InboxReply{Entries: entries})
}

func (s *Service) ListOutbox(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ListRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	viewer, err := s.viewer()
	if err != nil {
		return nil, err
	}
	entries, err := s.d.DB.ListOutbox(viewer, limitOr(req.Limit))
	if err != nil {
		return nil, s.fail("list outbox", err)
	}
	return toStruct(OutboxReply{Entries: entries})
}

func (s *Service) AddFriend(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req AddFriendRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	viewer, err := s.viewer()
	if err != nil {
		return nil, err
	}
	if req.FriendUserID == "" || req.FriendUserID == viewer {
		return nil, grpcstatus.Error(codes.InvalidArgument, "friend must be a different, non-empty user id")
	}
	f := store.Friend{ViewerUserID: viewer, FriendUserID: req.FriendUserID, DisplayName: req.DisplayName}
	if err := s.d.DB.AddFriend(&f); err != nil {
		return nil, s.fail("add friend", err)
	}
	return toStruct(f)
}

func (s *Service) ListFriends(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ListRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	viewer, err := s.viewer()
	if err != nil {
		return nil, err
	}
	friends, err := s.d.DB.ListFriends(viewer, limitOr(req.Limit))
	if err != nil {
		return nil, s.fail("list friends", err)
	}
	return toStruct(FriendsReply{Friends: friends})
}

func (s *Service) SetEndpoint(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req EndpointRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if err := s.d.Live.SetEndpoint(req.Mode, req.ServerURL); err != nil {
		return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	res := s.d.Resolver.ResolveSource(s.d.Live)
	s.d.Logger.Info("endpoint changed",
		zap.String("mode", string(res.Mode)),
		zap.Bool("reachable", res.Reachable),
		zap.String("reason", res.Reason),
	)
	return toStruct(res)
}

func (s *Service) SetViewer(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ViewerRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if err := s.d.Live.SetViewer(req.Viewer); err != nil {
		return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	return toStruct(req)
}

func (s *Service) WatchEvents(in *structpb.Struct, stream grpc.ServerStream) error {
	var req WatchRequest
	if err := decode(in, &req); err != nil {
		return err
	}
	sub := s.d.Bus.Subscribe(watchBuffer, req.Namespace)
	defer func() {
		sub.Close()
		if n := sub.Dropped(); n > 0 {
			s.d.Logger.Warn("watcher missed events", zap.String("namespace", req.Namespace), zap.Uint64("dropped", n))
		}
	}()

	for {
		select {
		case evt := <-sub.C:
			out, err := eventStruct(evt)
			if err != nil {
				s.d.Logger.Warn("event not streamable", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.SendMsg(out); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func eventStruct(evt bus.Event) (*structpb.Struct, error) {
	w := WatchedEvent{ID: evt.ID, Kind: evt.Kind, Timestamp: evt.Timestamp}
	if evt.Payload != nil {
		b, err := json.Marshal(evt.Payload)
		if err != nil {
			return nil, err
		}
		w.Payload = b
	}
	return toStruct(w)
}

// fail maps domain errors onto gRPC codes.
func (s *Service) fail(op string, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return grpcstatus.Errorf(codes.NotFound, "%s: %v", op, err)
	case errors.Is(err, outbox.ErrInvalidMessage):
		return grpcstatus.Errorf(codes.InvalidArgument, "%s: %v", op, err)
	case errors.Is(err, intsync.ErrNoViewer):
		return errNoViewer
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return grpcstatus.FromContextError(err).Err()
	default:
		s.d.Logger.Error(op+" failed", zap.Error(err))
		return grpcstatus.Errorf(codes.Internal, "%s: %v", op, err)
	}
}

func decode(in *structpb.Struct, v any) error {
	if err := fromStruct(in, v); err != nil {
		return grpcstatus.Errorf(codes.InvalidArgument, "malformed request: %v", err)
	}
	return nil
}

func limitOr(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	return n
}
