package haadfworker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lbnl-ncem/still/internal/broker"
	"github.com/lbnl-ncem/still/internal/model"
)

// Run subscribes to haadf-file-events on client and dispatches each decoded
// record to HandleEvent until ctx is cancelled.
func (w *Worker) Run(ctx context.Context, client *broker.Client) error {
	return client.Run(ctx, func(ctx context.Context, rec broker.Record, payload []byte) error {
		if rec.Topic != broker.TopicHaadfFileEvents {
			return nil
		}
		var event model.HaadfEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			return fmt.Errorf("haadfworker: decoding haadf event: %w", err)
		}
		return w.HandleEvent(ctx, event)
	})
}
