package memory

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/waifuos/waifud/internal/protocol"
)

// Recorder subscribes to finished turns on the bus and persists them
// into the memory store for later retrieval.
type Recorder struct {
	store *Store
	log   *slog.Logger
	sub   *nats.Subscription
}

func NewRecorder(store *Store, log *slog.Logger) *Recorder {
	return &Recorder{
		store: store,
		log:   log.With(slog.String("component", "memory-recorder")),
	}
}

// Start begins consuming turn records. Records that fail to decode or
// persist are logged and dropped; memory is best effort.
func (r *Recorder) Start(conn *nats.Conn) error {
	sub, err := conn.Subscribe(protocol.SubjectTurnFinished, func(msg *nats.Msg) {
		var rec protocol.TurnRecord
		if err := json.Unmarshal(msg.Data, &rec); err != nil {
			r.log.Warn("malformed turn record", slog.String("error", err.Error()))
			return
		}
		if rec.UserID == "" || (rec.Request == "" && rec.Response == "") {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := r.store.Append(ctx, Exchange{
			UserID:      rec.UserID,
			CharacterID: rec.CharacterID,
			SessionID:   rec.SessionID,
			ContextID:   rec.ContextID,
			Request:     rec.Request,
			Response:    rec.Response,
			CreatedAt:   rec.Timestamp,
		})
		if err != nil {
			r.log.Warn("memory append failed", slog.String("error", err.Error()))
		}
	})
	if err != nil {
		return err
	}
	r.sub = sub
	r.log.Info("memory recorder subscribed", slog.String("subject", protocol.SubjectTurnFinished))
	return nil
}

// Close stops consuming.
func (r *Recorder) Close() error {
	if r.sub == nil {
		return nil
	}
	return r.sub.Unsubscribe()
}
