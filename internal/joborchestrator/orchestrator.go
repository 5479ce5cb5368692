package joborchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/lbnl-ncem/still/internal/broker"
	"github.com/lbnl-ncem/still/internal/model"
)

// Orchestrator combines the submit-job-events consume loop with the
// recurring reconciler, matching spec.md §4.2's single "Job Orchestrator"
// worker that runs both pipelines in one process (the reconciler as "a
// co-scheduled task in the same process", spec.md §5).
type Orchestrator struct {
	submitter  *Submitter
	reconciler *Reconciler
	logger     *zap.Logger
}

// New ties a Submitter and Reconciler together into one Orchestrator.
func New(submitter *Submitter, reconciler *Reconciler, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{submitter: submitter, reconciler: reconciler, logger: logger.Named("joborchestrator")}
}

// Run starts the reconciler's recurring timer and blocks consuming
// submit-job-events until ctx is cancelled, stopping the reconciler before
// returning.
func (o *Orchestrator) Run(ctx context.Context, client *broker.Client) error {
	o.reconciler.Start()
	defer func() {
		if err := o.reconciler.Stop(); err != nil {
			o.logger.Warn("stopping reconciler", zap.Error(err))
		}
	}()

	return client.Run(ctx, func(ctx context.Context, rec broker.Record, payload []byte) error {
		if rec.Topic != broker.TopicSubmitJobEvents {
			return nil
		}
		var event model.SubmitJobEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			return fmt.Errorf("joborchestrator: decoding submit-job event: %w", err)
		}
		return o.submitter.HandleSubmitJobEvent(ctx, event)
	})
}
