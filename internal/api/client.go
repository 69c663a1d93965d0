package api

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/matheus3301/lifetrack/internal/endpoint"
	"github.com/matheus3301/lifetrack/internal/store"
	intsync "github.com/matheus3301/lifetrack/internal/sync"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client talks to a daemon over its Unix domain socket.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon listening on socketPath. The connection is
// established lazily on the first call.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) call(ctx context.Context, method string, req, reply any) error {
	in, err := toStruct(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return err
	}
	return fromStruct(out, reply)
}

func (c *Client) GetStatus(ctx context.Context) (*StatusReply, error) {
	var r StatusReply
	if err := c.call(ctx, "GetStatus", struct{}{}, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (c *Client) SyncNow(ctx context.Context) (*intsync.Summary, error) {
	var r intsync.Summary
	if err := c.call(ctx, "SyncNow", struct{}{}, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (c *Client) SendMessage(ctx context.Context, req SendRequest) (*SendReply, error) {
	var r SendReply
	if err := c.call(ctx, "SendMessage", req, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (c *Client) MarkRead(ctx context.Context, id int64) (*intsync.ReadResult, error) {
	var r intsync.ReadResult
	if err := c.call(ctx, "MarkRead", MarkReadRequest{ID: id}, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (c *Client) ListConversation(ctx context.Context, req ConversationRequest) ([]store.Message, error) {
	var r MessagesReply
	if err := c.call(ctx, "ListConversation", req, &r); err != nil {
		return nil, err
	}
	return r.Messages, nil
}

func (c *Client) ListInbox(ctx context.Context, limit int) ([]store.InboxEntry, error) {
	var r InboxReply
	if err := c.call(ctx, "ListInbox", ListRequest{Limit: limit}, &r); err != nil {
		return nil, err
	}
	return r.Entries, nil
}

func (c *Client) ListOutbox(ctx context.Context, limit int) ([]store.OutboxEntry, error) {
	var r OutboxReply
	if err := c.call(ctx, "ListOutbox", ListRequest{Limit: limit}, &r); err != nil {
		return nil, err
	}
	return r.Entries, nil
}

func (c *Client) AddFriend(ctx context.Context, req AddFriendRequest) (*store.Friend, error) {
	var r store.Friend
	if err := c.call(ctx, "AddFriend", req, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (c *Client) ListFriends(ctx context.Context, limit int) ([]store.Friend, error) {
	var r FriendsReply
	if err := c.call(ctx, "ListFriends", ListRequest{Limit: limit}, &r); err != nil {
		return nil, err
	}
	return r.Friends, nil
}

func (c *Client) SetEndpoint(ctx context.Context, mode, serverURL string) (*endpoint.Resolution, error) {
	var r endpoint.Resolution
	if err := c.call(ctx, "SetEndpoint", EndpointRequest{Mode: mode, ServerURL: serverURL}, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (c *Client) SetViewer(ctx context.Context, viewer string) error {
	return c.call(ctx, "SetViewer", ViewerRequest{Viewer: viewer}, &ViewerRequest{})
}

// WatchEvents streams events whose kind starts with namespace to fn until
// ctx ends, the daemon closes the stream, or fn returns an error.
func (c *Client) WatchEvents(ctx context.Context, namespace string, fn func(WatchedEvent) error) error {
	in, err := toStruct(WatchRequest{Namespace: namespace})
	if err != nil {
		return err
	}
	stream, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], "/"+ServiceName+"/WatchEvents")
	if err != nil {
		return err
	}
	if err := stream.SendMsg(in); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		out := new(structpb.Struct)
		if err := stream.RecvMsg(out); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		var evt WatchedEvent
		if err := fromStruct(out, &evt); err != nil {
			return err
		}
		if err := fn(evt); err != nil {
			return err
		}
	}
}
