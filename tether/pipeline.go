package tether

import (
	"context"
	"encoding/json"

	"github.com/sirupsen/logrus"
)

// PipelineRunner executes RUN_PIPELINE commands received from a hub.
type PipelineRunner interface {
	RunPipeline(ctx context.Context, peer string, payload json.RawMessage) error
}

// LoggingPipelineRunner records the command and drops it.
type LoggingPipelineRunner struct{}

// RunPipeline implements PipelineRunner.
func (LoggingPipelineRunner) RunPipeline(_ context.Context, peer string, payload json.RawMessage) error {
	logrus.WithFields(logrus.Fields{
		"peer":    peer,
		"payload": string(payload),
	}).Info("[tether] no pipeline executor configured, dropping RUN_PIPELINE")
	return nil
}
