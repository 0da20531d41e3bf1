package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memberworks/membersync/internal/geo"
	"github.com/memberworks/membersync/internal/model"
	"github.com/memberworks/membersync/internal/ratelimit"
	"github.com/memberworks/membersync/internal/store"
	"github.com/memberworks/membersync/internal/verify"
	"github.com/memberworks/membersync/pkg/voterroll"
)

// Checksum-valid identity codes used across the pipeline tests.
var testIDs = []string{
	"8001015009087",
	"9001010001088",
	"8502125340080",
	"7703041230089",
	"9205056780089",
	"7501019999085",
	"0001015009085",
}

// fakeStore is an in-memory Store for orchestrator tests.
type fakeStore struct {
	mu          sync.Mutex
	members     map[string]int64
	nextID      int64
	runs        map[string]*model.Run
	mappings    geo.Mappings
	schemaErr   error
	upsertCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		members: make(map[string]int64),
		runs:    make(map[string]*model.Run),
		mappings: geo.Mappings{
			WardToMunicipality:     map[string]geo.Unit{"52305011": {Code: "KZN235", Name: "Okhahlamba"}},
			MunicipalityToDistrict: map[string]geo.Unit{"KZN235": {Code: "DC23", Name: "Uthukela"}},
			DistrictToProvince:     map[string]geo.Unit{"DC23": {Code: "KZN", Name: "KwaZulu-Natal"}},
		},
	}
}

func (f *fakeStore) Migrate(context.Context) error     { return nil }
func (f *fakeStore) CheckSchema(context.Context) error { return f.schemaErr }
func (f *fakeStore) Close() error                      { return nil }

func (f *fakeStore) ExistingMembers(_ context.Context, idNumbers []string) (map[string]model.ExistingMember, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing := make(map[string]model.ExistingMember)
	for _, id := range idNumbers {
		if sk, ok := f.members[id]; ok {
			existing[id] = model.ExistingMember{ID: sk, IDNumber: id}
		}
	}
	return existing, nil
}

func (f *fakeStore) UpsertMembers(_ context.Context, members []model.Member) (map[string]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upsertCalls++
	keys := make(map[string]int64, len(members))
	for _, m := range members {
		if _, ok := f.members[m.IDNumber]; !ok {
			f.nextID++
			f.members[m.IDNumber] = f.nextID
		}
		keys[m.IDNumber] = f.members[m.IDNumber]
	}
	return keys, nil
}

func (f *fakeStore) CreateRun(_ context.Context, run *model.Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *run
	f.runs[run.ID] = &cp
	return nil
}

func (f *fakeStore) UpdateRun(_ context.Context, run *model.Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.runs[run.ID]; !ok {
		return store.ErrRunNotFound
	}
	cp := *run
	f.runs[run.ID] = &cp
	return nil
}

func (f *fakeStore) GetRun(_ context.Context, id string) (*model.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return nil, store.ErrRunNotFound
	}
	cp := *run
	return &cp, nil
}

func (f *fakeStore) ListRuns(_ context.Context, _ store.RunFilter) ([]model.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	runs := make([]model.Run, 0, len(f.runs))
	for _, run := range f.runs {
		runs = append(runs, *run)
	}
	return runs, nil
}

func (f *fakeStore) GeoMappings(context.Context) (geo.Mappings, error) {
	return f.mappings, nil
}

func (f *fakeStore) ReplaceGeoMappings(_ context.Context, m geo.Mappings) error {
	f.mappings = m
	return nil
}

// fakeClient returns canned lookup results per identity code.
type fakeClient struct {
	authErr error
	results map[string]*voterroll.Result
}

func (f *fakeClient) Authenticate(context.Context) error { return f.authErr }

func (f *fakeClient) Verify(_ context.Context, id string) (*voterroll.Result, error) {
	if res, ok := f.results[id]; ok {
		return res, nil
	}
	return nil, fmt.Errorf("no roll entry for %s", id)
}

func registeredInWard(ids []string, ward string) map[string]*voterroll.Result {
	m := make(map[string]*voterroll.Result, len(ids))
	for _, id := range ids {
		m[id] = &voterroll.Result{Registered: true, WardCode: ward}
	}
	return m
}

func rawBatch(ids []string, ward string) Batch {
	records := make([]model.RawRecord, len(ids))
	for i, id := range ids {
		records[i] = model.RawRecord{
			RowIndex:     i + 2,
			IDNumber:     id,
			FirstName:    "thandi",
			LastName:     "mkhize",
			ExpectedWard: ward,
		}
	}
	return Batch{FileName: "branch.xlsx", Records: records}
}

func TestPipeline_CompletesCleanBatch(t *testing.T) {
	st := newFakeStore()
	// One member already persisted before the run.
	st.members[testIDs[0]] = 99
	st.nextID = 99

	ids := testIDs[:3]
	client := &fakeClient{results: registeredInWard(ids, "52305011")}
	p := New(st, client, ratelimit.NewMemory(100), Options{})

	batch := rawBatch(ids, "52305011")
	// Row 5 duplicates row 2; row 6 has a junk identity code.
	batch.Records = append(batch.Records,
		model.RawRecord{RowIndex: 5, IDNumber: testIDs[0]},
		model.RawRecord{RowIndex: 6, IDNumber: "not-a-code"},
	)

	run, keys, err := p.Run(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, run.Status)

	summary := run.Summary
	require.NotNil(t, summary)
	assert.Equal(t, 5, summary.Total)
	assert.Equal(t, 1, summary.Invalid)
	assert.Equal(t, 2, summary.Duplicates) // both members of the pair are reported
	assert.Equal(t, 2, summary.Skipped)
	assert.Equal(t, 1, summary.Existing)
	assert.Equal(t, 2, summary.New)
	assert.Equal(t, 3, summary.Imported)
	assert.False(t, summary.Paused)
	require.Len(t, summary.Errors, 1)
	assert.Contains(t, summary.Errors[0], "row 6")

	// The key map covers every deduplicated input key, existing included.
	require.Len(t, keys, 3)
	assert.Equal(t, int64(99), keys[testIDs[0]])
}

func TestPipeline_PausesAndResumesOnQuota(t *testing.T) {
	st := newFakeStore()
	ids := testIDs // 7 distinct valid codes
	client := &fakeClient{results: registeredInWard(ids, "52305011")}

	p := New(st, client, ratelimit.NewMemory(4), Options{
		Verify: verify.Config{Workers: 1},
	})
	run, keys, err := p.Run(context.Background(), rawBatch(ids, "52305011"))
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusPaused, run.Status)
	assert.Equal(t, 4, run.ResumeIndex)
	require.NotNil(t, run.ResetTime)
	require.NotNil(t, run.Summary)
	assert.True(t, run.Summary.Paused)
	assert.Equal(t, 4, run.Summary.ResumeIndex)
	assert.Equal(t, 4, run.Summary.Imported)
	assert.Len(t, keys, 4)

	// A later window: fresh quota, same run identity.
	p2 := New(st, client, ratelimit.NewMemory(100), Options{
		Verify: verify.Config{Workers: 1},
	})
	resumed, keys2, err := p2.Resume(context.Background(), run.ID, rawBatch(ids, "52305011"))
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusCompleted, resumed.Status)
	require.NotNil(t, resumed.Summary)
	assert.Equal(t, 3, resumed.Summary.Imported)
	assert.Equal(t, 4, resumed.Summary.Existing)
	assert.Len(t, keys2, 3)

	// Every identity code ended up persisted exactly once.
	assert.Len(t, st.members, 7)
}

func TestPipeline_ResumeRequiresPausedRun(t *testing.T) {
	st := newFakeStore()
	client := &fakeClient{results: registeredInWard(testIDs[:1], "52305011")}
	p := New(st, client, ratelimit.NewMemory(100), Options{})

	run, _, err := p.Run(context.Background(), rawBatch(testIDs[:1], "52305011"))
	require.NoError(t, err)
	require.Equal(t, model.RunStatusCompleted, run.Status)

	_, _, err = p.Resume(context.Background(), run.ID, rawBatch(testIDs[:1], "52305011"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "only paused runs can resume")
}

func TestPipeline_SchemaMismatchIsFatal(t *testing.T) {
	st := newFakeStore()
	st.schemaErr = store.ErrSchemaMismatch
	client := &fakeClient{}
	p := New(st, client, ratelimit.NewMemory(100), Options{})

	_, _, err := p.Run(context.Background(), rawBatch(testIDs[:2], ""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema check")

	runs, listErr := st.ListRuns(context.Background(), store.RunFilter{})
	require.NoError(t, listErr)
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunStatusFailed, runs[0].Status)
	assert.NotEmpty(t, runs[0].FailReason)
	assert.Zero(t, st.upsertCalls)
}

func TestPipeline_AuthFailureIsFatal(t *testing.T) {
	st := newFakeStore()
	client := &fakeClient{authErr: &voterroll.AuthError{StatusCode: 401}}
	p := New(st, client, ratelimit.NewMemory(100), Options{})

	_, _, err := p.Run(context.Background(), rawBatch(testIDs[:2], ""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "authenticate")
	assert.Zero(t, st.upsertCalls)
}

func TestPipeline_DryRunSkipsUpsert(t *testing.T) {
	st := newFakeStore()
	client := &fakeClient{results: registeredInWard(testIDs[:2], "52305011")}
	p := New(st, client, ratelimit.NewMemory(100), Options{DryRun: true})

	run, keys, err := p.Run(context.Background(), rawBatch(testIDs[:2], "52305011"))
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, run.Status)
	assert.Equal(t, 2, run.Summary.Imported)
	assert.Empty(t, keys)
	assert.Zero(t, st.upsertCalls)
	assert.Empty(t, st.members)
}

func TestEventPercent(t *testing.T) {
	assert.Equal(t, 0.0, Event{}.Percent())
	assert.Equal(t, 50.0, Event{Processed: 5, Total: 10}.Percent())
	assert.Equal(t, 100.0, Event{Processed: 10, Total: 10}.Percent())
}
