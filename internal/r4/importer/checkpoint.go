package importer

import (
	"context"
	"time"

	"github.com/Minnerman/dental-pms-sub000/internal/r4/source"
)

// Checkpoint is the advisory resume cursor for one entity/window run.
// Correctness never depends on it; idempotent writes make re-scanning safe.
// It just avoids redundant work after an interruption.
type Checkpoint struct {
	EntityType     source.EntityType `json:"entity_type"`
	Window         string            `json:"window"`
	LastKey        int64             `json:"last_key"`
	ProcessedCount int64             `json:"processed_count"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

type CheckpointStore interface {
	Get(ctx context.Context, entity source.EntityType, window string) (*Checkpoint, error)
	Save(ctx context.Context, cp *Checkpoint) error
}
