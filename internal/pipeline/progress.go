package pipeline

import (
	"go.uber.org/zap"

	"github.com/memberworks/membersync/internal/model"
)

// Event is one progress notification. Terminal events carry the summary;
// paused runs also carry the resume token.
type Event struct {
	RunID     string
	Stage     model.RunStatus
	Processed int
	Total     int
	Terminal  bool
	Summary   *model.RunSummary
}

// Percent is the completion fraction in [0, 100].
func (e Event) Percent() float64 {
	if e.Total <= 0 {
		return 0
	}
	return float64(e.Processed) / float64(e.Total) * 100
}

// Progress receives pipeline stage notifications. Implementations must be
// cheap; they are called inline between stages.
type Progress interface {
	Publish(e Event)
}

// NopProgress discards all events.
type NopProgress struct{}

func (NopProgress) Publish(Event) {}

// LogProgress writes events to the global logger.
type LogProgress struct{}

func (LogProgress) Publish(e Event) {
	fields := []zap.Field{
		zap.String("run_id", e.RunID),
		zap.String("stage", string(e.Stage)),
		zap.Int("processed", e.Processed),
		zap.Int("total", e.Total),
		zap.Float64("percent", e.Percent()),
	}
	if e.Terminal && e.Summary != nil {
		fields = append(fields,
			zap.Int("imported", e.Summary.Imported),
			zap.Int("skipped", e.Summary.Skipped),
			zap.Bool("paused", e.Summary.Paused),
		)
		if e.Summary.Paused {
			fields = append(fields, zap.Int("resume_index", e.Summary.ResumeIndex))
		}
	}
	zap.L().Info("pipeline progress", fields...)
}
