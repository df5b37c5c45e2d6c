package events

import (
	"context"

	"go.uber.org/zap"

	"github.com/ILLUVRSE/cutting-console/optimizer-console/internal/models"
)

// Producer publishes JSON values under a key.
type Producer interface {
	ProduceJSON(ctx context.Context, key []byte, v any) error
}

// Forward publishes every event read from in until in is closed or ctx is done.
// Publish failures are logged and do not stop forwarding.
func Forward(ctx context.Context, in <-chan models.Event, producer Producer, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-in:
			if !ok {
				return
			}
			if err := producer.ProduceJSON(ctx, eventKey(ev), ev); err != nil {
				logger.Warn("forwarding event failed",
					zap.String("op", "events.Forward"),
					zap.String("type", string(ev.Type)),
					zap.Error(err),
				)
			}
		}
	}
}

// eventKey groups events of one history entry on the same partition.
func eventKey(ev models.Event) []byte {
	if ev.EntryID != nil {
		return []byte(ev.EntryID.String())
	}
	return []byte(ev.Type)
}
