package sync

import (
	"context"
	"fmt"

	"github.com/matheus3301/lifetrack/internal/bus"
	"github.com/matheus3301/lifetrack/internal/store"
	"go.uber.org/zap"
)

// ReadResult reports a mark-read request. Updated is false when the message
// was already read or is not addressed to the viewer. RemoteSynced is true
// only when the relay acknowledged the receipt.
type ReadResult struct {
	Message      store.Message `json:"message"`
	Updated      bool          `json:"updated"`
	RemoteSynced bool          `json:"remoteSynced"`
}

// ReadReceipts marks messages read locally and tells the relay when it can.
type ReadReceipts struct {
	p Params
}

// NewReadReceipts creates a read-receipt synchronizer.
func NewReadReceipts(p Params) *ReadReceipts {
	return &ReadReceipts{p: p.withDefaults()}
}

// MarkRead records that viewer read message id. The local update always
// happens first and is never undone; the relay notification is best effort.
// store.ErrNotFound is returned for an unknown id.
func (r *ReadReceipts) MarkRead(ctx context.Context, viewer string, id int64) (ReadResult, error) {
	var res ReadResult

	updated, err := r.p.DB.MarkRead(id, viewer, r.p.Now().UnixMilli())
	if err != nil {
		return res, fmt.Errorf("mark read %d: %w", id, err)
	}
	m, err := r.p.DB.GetMessage(id)
	if err != nil {
		return res, err
	}
	res.Message = *m
	res.Updated = updated

	if updated {
		r.p.Bus.Publish(bus.NewEvent(bus.KindMessageRead, map[string]string{
			"client_message_id": m.ClientMessageID,
			"viewer":            viewer,
		}))
	}

	if m.ToUserID != viewer || m.ServerMessageID == "" {
		return res, nil
	}
	ep := r.p.Resolver.ResolveSource(r.p.Source)
	if !ep.Reachable {
		return res, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, r.p.Config.RequestTimeout)
	defer cancel()
	if err := r.p.NewRemote(ep.BaseURL).MarkRead(callCtx, m.ServerMessageID, viewer); err != nil {
		r.p.Logger.Warn("read receipt not delivered",
			zap.Int64("message_id", id),
			zap.String("server_message_id", m.ServerMessageID),
			zap.Error(err),
		)
		return res, nil
	}
	res.RemoteSynced = true
	return res, nil
}
