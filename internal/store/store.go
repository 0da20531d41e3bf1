// Package store persists members, pipeline runs, and the geographic
// mapping tables. Postgres is the production backend; SQLite covers local
// work behind the same interface.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/memberworks/membersync/internal/geo"
	"github.com/memberworks/membersync/internal/model"
)

// ErrSchemaMismatch is returned by CheckSchema when expected columns are
// absent. It is fatal at startup, before any row is processed.
var ErrSchemaMismatch = eris.New("store: schema mismatch")

// ErrRunNotFound is returned when a run ID does not exist.
var ErrRunNotFound = eris.New("store: run not found")

// memberColumns are the columns every backend must expose on the members
// table. CheckSchema refuses to run against a store missing any of them.
var memberColumns = []string{
	"id",
	"id_number",
	"first_name",
	"last_name",
	"phone",
	"email",
	"branch",
	"ward_code",
	"municipality_code",
	"municipality_name",
	"district_code",
	"district_name",
	"province_code",
	"province_name",
	"registration_status",
	"voting_station",
	"updated_at",
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status model.RunStatus
	Limit  int
}

// Store is the persistence contract for the ingestion pipeline. The
// pipeline touches it with one bulk statement per stage: ExistingMembers
// during pre-validation and UpsertMembers at the end.
type Store interface {
	// Migrate creates the schema.
	Migrate(ctx context.Context) error

	// CheckSchema verifies the members table has the expected columns,
	// returning ErrSchemaMismatch otherwise.
	CheckSchema(ctx context.Context) error

	// ExistingMembers bulk-checks which of the given identity numbers are
	// already persisted, in a single round trip.
	ExistingMembers(ctx context.Context, idNumbers []string) (map[string]model.ExistingMember, error)

	// UpsertMembers persists the batch idempotently: in-memory dedupe by
	// identity number (later rows win), one bulk coalesce-merge upsert,
	// then a batched fetch-back for any key the write did not return. The
	// result maps every deduplicated identity number to its surrogate key.
	UpsertMembers(ctx context.Context, members []model.Member) (map[string]int64, error)

	// Runs.
	CreateRun(ctx context.Context, run *model.Run) error
	UpdateRun(ctx context.Context, run *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// Geographic mapping tables.
	GeoMappings(ctx context.Context) (geo.Mappings, error)
	ReplaceGeoMappings(ctx context.Context, m geo.Mappings) error

	Close() error
}

// dedupeMembers collapses the batch by identity number, later occurrences
// fully overwriting earlier ones. Returns the kept rows in first-seen order
// and the number of rows removed.
func dedupeMembers(members []model.Member) ([]model.Member, int) {
	index := make(map[string]int, len(members))
	kept := make([]model.Member, 0, len(members))
	removed := 0
	for _, m := range members {
		if at, ok := index[m.IDNumber]; ok {
			kept[at] = m
			removed++
			continue
		}
		index[m.IDNumber] = len(kept)
		kept = append(kept, m)
	}
	return kept, removed
}
