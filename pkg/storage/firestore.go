package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/levenlabs/go-lflag"
	"github.com/voltshift/voltshift/pkg/log"
	"github.com/voltshift/voltshift/pkg/types"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreProvider implements the Database interface using Google Cloud
// Firestore. Everything lives under homes/{homeID}.
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
	homeID    string
}

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")
	homeID := lflag.String("firestore-home-id", "default", "Document ID for this home")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database
		f.homeID = *homeID

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	if f.homeID == "" {
		return fmt.Errorf("firestore-home-id cannot be empty")
	}
	return nil
}

// Init initializes the Firestore client.
// This must be called before using the provider methods.
func (f *FirestoreProvider) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreProvider) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *FirestoreProvider) collection(name string) *firestore.CollectionRef {
	return f.client.Collection("homes").Doc(f.homeID).Collection(name)
}

// GetSettings retrieves the dynamic configuration from the "config/settings" document.
func (f *FirestoreProvider) GetSettings(ctx context.Context) (types.Settings, int, error) {
	doc, err := f.collection("config").Doc("settings").Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			// Return default settings if not found
			return types.Settings{}, 0, nil
		}
		return types.Settings{}, 0, fmt.Errorf("failed to fetch settings doc: %w", err)
	}

	// Read version if available (default 0)
	var version int
	if v, err := doc.DataAt("version"); err == nil {
		if vInt, ok := v.(int64); ok {
			version = int(vInt)
		}
	}

	var s types.Settings
	if err := unmarshalDoc(ctx, doc, &s); err != nil {
		return types.Settings{}, 0, fmt.Errorf("settings: %w", err)
	}
	return s, version, nil
}

// SetSettings saves the dynamic configuration to the "config/settings" document.
// It stores the settings as a JSON string for portability.
func (f *FirestoreProvider) SetSettings(ctx context.Context, settings types.Settings, version int) error {
	jsonBytes, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	_, err = f.collection("config").Doc("settings").Set(ctx, map[string]interface{}{
		"json":    string(jsonBytes),
		"version": version,
	})
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

// consumptionDocID is "YYYY-MM-DD-HH" so that document ID range queries
// line up with sample dates.
func consumptionDocID(date string, hour int) string {
	return fmt.Sprintf("%s-%02d", date, hour)
}

// UpsertConsumptionSample adds or replaces the sample for its (date, hour).
func (f *FirestoreProvider) UpsertConsumptionSample(ctx context.Context, sample types.ConsumptionSample) error {
	if sample.Hour < 0 || sample.Hour > 23 {
		return fmt.Errorf("sample hour out of range: %d", sample.Hour)
	}
	if _, err := time.Parse("2006-01-02", sample.Date); err != nil {
		return fmt.Errorf("invalid sample date %q: %w", sample.Date, err)
	}
	jsonBytes, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("failed to marshal consumption sample: %w", err)
	}

	coll := f.collection("consumption")
	_, err = coll.Doc(consumptionDocID(sample.Date, sample.Hour)).Set(ctx, map[string]interface{}{
		"json":       string(jsonBytes),
		"date":       sample.Date,
		"recordedAt": sample.RecordedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert consumption sample: %w", err)
	}
	return nil
}

// GetConsumptionSamples retrieves all samples with a date at or after since.
// Uses document ID range queries for efficient filtering.
func (f *FirestoreProvider) GetConsumptionSamples(ctx context.Context, since time.Time) ([]types.ConsumptionSample, error) {
	coll := f.collection("consumption")
	startDocID := consumptionDocID(since.Format("2006-01-02"), 0)

	iter := coll.
		Where(firestore.DocumentID, ">=", coll.Doc(startDocID)).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var samples []types.ConsumptionSample
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating consumption samples: %w", err)
		}

		var s types.ConsumptionSample
		if err := unmarshalDoc(ctx, doc, &s); err != nil {
			return nil, fmt.Errorf("consumption sample %s: %w", doc.Ref.ID, err)
		}
		samples = append(samples, s)
	}
	return samples, nil
}

// PurgeConsumptionSamples deletes all samples dated before the cutoff.
func (f *FirestoreProvider) PurgeConsumptionSamples(ctx context.Context, before time.Time) (int, error) {
	coll := f.collection("consumption")
	endDocID := consumptionDocID(before.Format("2006-01-02"), 0)

	iter := coll.
		Where(firestore.DocumentID, "<", coll.Doc(endDocID)).
		Documents(ctx)
	defer iter.Stop()

	deleted := 0
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return deleted, fmt.Errorf("error iterating consumption samples for purge: %w", err)
		}
		if _, err := doc.Ref.Delete(ctx); err != nil {
			return deleted, fmt.Errorf("failed to delete sample %s: %w", doc.Ref.ID, err)
		}
		deleted++
	}
	log.Ctx(ctx).DebugContext(ctx, "purged consumption samples", slog.Int("deleted", deleted), slog.Time("before", before))
	return deleted, nil
}

// SavePlan stores the plan as the new "plans/latest" document.
func (f *FirestoreProvider) SavePlan(ctx context.Context, plan types.Plan) error {
	jsonBytes, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("failed to marshal plan: %w", err)
	}

	_, err = f.collection("plans").Doc("latest").Set(ctx, map[string]interface{}{
		"json":       string(jsonBytes),
		"computedAt": plan.ComputedAt,
		"version":    types.CurrentPlanVersion,
	})
	if err != nil {
		return fmt.Errorf("failed to save plan: %w", err)
	}
	return nil
}

// GetLatestPlan retrieves the most recently saved plan.
func (f *FirestoreProvider) GetLatestPlan(ctx context.Context) (types.Plan, error) {
	doc, err := f.collection("plans").Doc("latest").Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.Plan{}, ErrPlanNotFound
		}
		return types.Plan{}, fmt.Errorf("failed to fetch latest plan: %w", err)
	}

	var p types.Plan
	if err := unmarshalDoc(ctx, doc, &p); err != nil {
		return types.Plan{}, fmt.Errorf("latest plan: %w", err)
	}
	return p, nil
}

// SaveDeviceTasks stores the full device task set in "config/devices".
func (f *FirestoreProvider) SaveDeviceTasks(ctx context.Context, tasks []types.DeviceTask) error {
	jsonBytes, err := json.Marshal(tasks)
	if err != nil {
		return fmt.Errorf("failed to marshal device tasks: %w", err)
	}

	_, err = f.collection("config").Doc("devices").Set(ctx, map[string]interface{}{
		"json": string(jsonBytes),
	})
	if err != nil {
		return fmt.Errorf("failed to save device tasks: %w", err)
	}
	return nil
}

// GetDeviceTasks retrieves the stored device task set, empty if none exists.
func (f *FirestoreProvider) GetDeviceTasks(ctx context.Context) ([]types.DeviceTask, error) {
	doc, err := f.collection("config").Doc("devices").Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch device tasks: %w", err)
	}

	var tasks []types.DeviceTask
	if err := unmarshalDoc(ctx, doc, &tasks); err != nil {
		return nil, fmt.Errorf("device tasks: %w", err)
	}
	return tasks, nil
}

// unmarshalDoc decodes the "json" string field every document stores its
// payload in.
func unmarshalDoc(ctx context.Context, doc *firestore.DocumentSnapshot, v interface{}) error {
	val, err := doc.DataAt("json")
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "doc missing json", slog.String("docID", doc.Ref.ID))
		return fmt.Errorf("document missing 'json' field: %w", err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		log.Ctx(ctx).WarnContext(ctx, "doc json not string", slog.String("docID", doc.Ref.ID))
		return fmt.Errorf("'json' field is not a string")
	}
	if err := json.Unmarshal([]byte(jsonStr), v); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal doc json", slog.String("docID", doc.Ref.ID), slog.Any("err", err))
		return fmt.Errorf("failed to unmarshal: %w", err)
	}
	return nil
}
