package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/voltshift/voltshift/pkg/types"
)

var (
	ErrPlanNotFound = errors.New("no stored plan")
)

// Database defines the interface for persisting the engine's state: dynamic
// settings, learned consumption samples, device tasks, and the most recently
// published plan (so a restart does not forget an in-progress charge window).
type Database interface {
	// Settings
	GetSettings(ctx context.Context) (types.Settings, int, error)
	SetSettings(ctx context.Context, settings types.Settings, version int) error

	// Consumption samples, at most one per (date, hour)
	UpsertConsumptionSample(ctx context.Context, sample types.ConsumptionSample) error
	GetConsumptionSamples(ctx context.Context, since time.Time) ([]types.ConsumptionSample, error)
	// PurgeConsumptionSamples deletes samples with dates before the cutoff
	// and returns how many were deleted.
	PurgeConsumptionSamples(ctx context.Context, before time.Time) (int, error)

	// Plans
	SavePlan(ctx context.Context, plan types.Plan) error
	// GetLatestPlan returns ErrPlanNotFound when nothing has been saved yet.
	GetLatestPlan(ctx context.Context) (types.Plan, error)

	// Device tasks
	SaveDeviceTasks(ctx context.Context, tasks []types.DeviceTask) error
	GetDeviceTasks(ctx context.Context) ([]types.DeviceTask, error)

	// Lifecycle
	Close() error
}

// Configured sets up the Storage provider based on flags.
func Configured() Database {
	provider := lflag.String("storage-provider", "firestore", "Storage provider to use (available: firestore)")

	var p struct{ Database }

	fs := configuredFirestore()

	lflag.Do(func() {
		switch *provider {
		case "firestore":
			if err := fs.Validate(); err != nil {
				panic(fmt.Sprintf("firestore validation failed: %v", err))
			}
			p.Database = fs
			if err := fs.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("firestore init failed: %v", err))
			}
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}
	})

	return &p
}
