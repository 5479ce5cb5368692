package reconstructor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lbnl-ncem/still/internal/broker"
	"github.com/lbnl-ncem/still/internal/model"
)

// Run subscribes to file-events and sync-events on client and dispatches
// each decoded record to the matching handler until ctx is cancelled
// (spec.md §2: "filesystem watcher -> [file-events] -> Scan Reconstructor",
// "... -> [sync-events] -> Scan Reconstructor").
func (r *Reconstructor) Run(ctx context.Context, client *broker.Client) error {
	return client.Run(ctx, func(ctx context.Context, rec broker.Record, payload []byte) error {
		switch rec.Topic {
		case broker.TopicFileEvents:
			var event model.FileSystemEvent
			if err := json.Unmarshal(payload, &event); err != nil {
				return fmt.Errorf("reconstructor: decoding file event: %w", err)
			}
			return r.HandleFileEvent(ctx, event)
		case broker.TopicSyncEvents:
			var event model.SyncEvent
			if err := json.Unmarshal(payload, &event); err != nil {
				return fmt.Errorf("reconstructor: decoding sync event: %w", err)
			}
			return r.HandleSyncEvent(ctx, event)
		default:
			return nil
		}
	})
}
