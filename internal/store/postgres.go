package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/memberworks/membersync/internal/db"
	"github.com/memberworks/membersync/internal/geo"
	"github.com/memberworks/membersync/internal/model"
)

// fetchbackBatchSize bounds each reconciliation read after a bulk upsert.
const fetchbackBatchSize = 500

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool db.Pool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresFromPool wraps an existing pool, for tests.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS members (
	id                  BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	id_number           TEXT NOT NULL UNIQUE,
	first_name          TEXT,
	last_name           TEXT,
	phone               TEXT,
	email               TEXT,
	branch              TEXT,
	ward_code           TEXT,
	municipality_code   TEXT,
	municipality_name   TEXT,
	district_code       TEXT,
	district_name       TEXT,
	province_code       TEXT,
	province_name       TEXT,
	registration_status TEXT,
	voting_station      TEXT,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS ingest_runs (
	id           TEXT PRIMARY KEY,
	file_name    TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'idle',
	summary      JSONB,
	resume_index INT NOT NULL DEFAULT 0,
	reset_time   TIMESTAMPTZ,
	fail_reason  TEXT,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS geo_wards (
	ward_code         TEXT PRIMARY KEY,
	municipality_code TEXT NOT NULL,
	municipality_name TEXT
);

CREATE TABLE IF NOT EXISTS geo_municipality_districts (
	municipality_code TEXT PRIMARY KEY,
	district_code     TEXT NOT NULL,
	district_name     TEXT
);

CREATE TABLE IF NOT EXISTS geo_district_provinces (
	district_code TEXT PRIMARY KEY,
	province_code TEXT NOT NULL,
	province_name TEXT
);

CREATE TABLE IF NOT EXISTS geo_municipality_provinces (
	municipality_code TEXT PRIMARY KEY,
	province_code     TEXT NOT NULL,
	province_name     TEXT
);

CREATE INDEX IF NOT EXISTS idx_members_ward_code ON members(ward_code);
CREATE INDEX IF NOT EXISTS idx_ingest_runs_status ON ingest_runs(status);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) CheckSchema(ctx context.Context) error {
	rows, err := s.pool.Query(ctx,
		`SELECT column_name FROM information_schema.columns WHERE table_name = 'members'`)
	if err != nil {
		return eris.Wrap(err, "postgres: check schema")
	}
	defer rows.Close()

	present := make(map[string]bool)
	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			return eris.Wrap(err, "postgres: check schema scan")
		}
		present[col] = true
	}
	if err := rows.Err(); err != nil {
		return eris.Wrap(err, "postgres: check schema rows")
	}

	for _, col := range memberColumns {
		if !present[col] {
			return eris.Wrapf(ErrSchemaMismatch, "members.%s missing", col)
		}
	}
	return nil
}

func (s *PostgresStore) ExistingMembers(ctx context.Context, idNumbers []string) (map[string]model.ExistingMember, error) {
	existing := make(map[string]model.ExistingMember, len(idNumbers))
	if len(idNumbers) == 0 {
		return existing, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, id_number FROM members WHERE id_number = ANY($1)`, idNumbers)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: existing members")
	}
	defer rows.Close()

	for rows.Next() {
		var m model.ExistingMember
		if err := rows.Scan(&m.ID, &m.IDNumber); err != nil {
			return nil, eris.Wrap(err, "postgres: existing members scan")
		}
		existing[m.IDNumber] = m
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: existing members rows")
	}
	return existing, nil
}

// upsertColumns is the column order used for the bulk member upsert.
var upsertColumns = []string{
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

func memberRow(m model.Member, now time.Time) []any {
	return []any{
		m.IDNumber,
		m.FirstName,
		m.LastName,
		m.Phone,
		m.Email,
		m.Branch,
		m.WardCode,
		m.MunicipalityCode,
		m.MunicipalityName,
		m.DistrictCode,
		m.DistrictName,
		m.ProvinceCode,
		m.ProvinceName,
		m.RegistrationStatus,
		m.VotingStation,
		now,
	}
}

func (s *PostgresStore) UpsertMembers(ctx context.Context, members []model.Member) (map[string]int64, error) {
	deduped, removed := dedupeMembers(members)
	if removed > 0 {
		zap.L().Info("removed in-batch duplicates before upsert", zap.Int("removed", removed))
	}
	if len(deduped) == 0 {
		return map[string]int64{}, nil
	}

	now := time.Now().UTC()
	rows := make([][]any, len(deduped))
	for i, m := range deduped {
		rows[i] = memberRow(m, now)
	}

	_, returned, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:      "members",
		Columns:    upsertColumns,
		KeyColumns: []string{"id_number"},
		Coalesce:   true,
		Returning:  []string{"id", "id_number"},
	}, rows)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: upsert members")
	}

	keys := make(map[string]int64, len(deduped))
	for _, tuple := range returned {
		id, ok1 := tuple[0].(int64)
		idNumber, ok2 := tuple[1].(string)
		if !ok1 || !ok2 {
			return nil, eris.New("postgres: upsert members: unexpected RETURNING shape")
		}
		keys[idNumber] = id
	}

	// Some stores do not return a row for every upserted key; reconcile
	// the gap with batched reads.
	missing := make([]string, 0)
	for _, m := range deduped {
		if _, ok := keys[m.IDNumber]; !ok {
			missing = append(missing, m.IDNumber)
		}
	}
	for start := 0; start < len(missing); start += fetchbackBatchSize {
		end := min(start+fetchbackBatchSize, len(missing))
		fetched, err := s.ExistingMembers(ctx, missing[start:end])
		if err != nil {
			return nil, eris.Wrap(err, "postgres: upsert fetch-back")
		}
		for idNumber, m := range fetched {
			keys[idNumber] = m.ID
		}
	}

	if len(keys) != len(deduped) {
		return nil, eris.Errorf("postgres: upsert members: %d of %d keys unresolved after fetch-back",
			len(deduped)-len(keys), len(deduped))
	}
	return keys, nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, run *model.Run) error {
	now := time.Now().UTC()
	run.CreatedAt = now
	run.UpdatedAt = now

	summary, err := marshalSummary(run.Summary)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO ingest_runs (id, file_name, status, summary, resume_index, reset_time, fail_reason, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		run.ID, run.FileName, string(run.Status), summary, run.ResumeIndex, run.ResetTime, run.FailReason, run.CreatedAt, run.UpdatedAt)
	return eris.Wrap(err, "postgres: create run")
}

func (s *PostgresStore) UpdateRun(ctx context.Context, run *model.Run) error {
	run.UpdatedAt = time.Now().UTC()

	summary, err := marshalSummary(run.Summary)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE ingest_runs SET status = $1, summary = $2, resume_index = $3, reset_time = $4, fail_reason = $5, updated_at = $6 WHERE id = $7`,
		string(run.Status), summary, run.ResumeIndex, run.ResetTime, run.FailReason, run.UpdatedAt, run.ID)
	if err != nil {
		return eris.Wrap(err, "postgres: update run")
	}
	if tag.RowsAffected() == 0 {
		return ErrRunNotFound
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, file_name, status, summary, resume_index, reset_time, fail_reason, created_at, updated_at
		 FROM ingest_runs WHERE id = $1`, id)

	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get run")
	}
	return run, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, file_name, status, summary, resume_index, reset_time, fail_reason, created_at, updated_at
		 FROM ingest_runs`
	args := []any{}
	if filter.Status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ` + strconv.Itoa(filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: list runs scan")
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: list runs rows")
	}
	return runs, nil
}

func (s *PostgresStore) GeoMappings(ctx context.Context) (geo.Mappings, error) {
	m := geo.Mappings{
		WardToMunicipality:     make(map[string]geo.Unit),
		MunicipalityToDistrict: make(map[string]geo.Unit),
		DistrictToProvince:     make(map[string]geo.Unit),
		MunicipalityToProvince: make(map[string]geo.Unit),
	}

	loads := []struct {
		query string
		dest  map[string]geo.Unit
	}{
		{`SELECT ward_code, municipality_code, COALESCE(municipality_name, '') FROM geo_wards`, m.WardToMunicipality},
		{`SELECT municipality_code, district_code, COALESCE(district_name, '') FROM geo_municipality_districts`, m.MunicipalityToDistrict},
		{`SELECT district_code, province_code, COALESCE(province_name, '') FROM geo_district_provinces`, m.DistrictToProvince},
		{`SELECT municipality_code, province_code, COALESCE(province_name, '') FROM geo_municipality_provinces`, m.MunicipalityToProvince},
	}
	// Each goroutine owns its destination map, so the loads share nothing.
	g, gctx := errgroup.WithContext(ctx)
	for _, load := range loads {
		g.Go(func() error {
			return s.loadGeoTable(gctx, load.query, load.dest)
		})
	}
	if err := g.Wait(); err != nil {
		return geo.Mappings{}, err
	}
	return m, nil
}

func (s *PostgresStore) loadGeoTable(ctx context.Context, query string, dest map[string]geo.Unit) error {
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return eris.Wrap(err, "postgres: load geo table")
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var unit geo.Unit
		if err := rows.Scan(&key, &unit.Code, &unit.Name); err != nil {
			return eris.Wrap(err, "postgres: load geo table scan")
		}
		dest[key] = unit
	}
	return eris.Wrap(rows.Err(), "postgres: load geo table rows")
}

func (s *PostgresStore) ReplaceGeoMappings(ctx context.Context, m geo.Mappings) error {
	tables := []struct {
		cfg  db.UpsertConfig
		data map[string]geo.Unit
	}{
		{db.UpsertConfig{Table: "geo_wards", Columns: []string{"ward_code", "municipality_code", "municipality_name"}, KeyColumns: []string{"ward_code"}}, m.WardToMunicipality},
		{db.UpsertConfig{Table: "geo_municipality_districts", Columns: []string{"municipality_code", "district_code", "district_name"}, KeyColumns: []string{"municipality_code"}}, m.MunicipalityToDistrict},
		{db.UpsertConfig{Table: "geo_district_provinces", Columns: []string{"district_code", "province_code", "province_name"}, KeyColumns: []string{"district_code"}}, m.DistrictToProvince},
		{db.UpsertConfig{Table: "geo_municipality_provinces", Columns: []string{"municipality_code", "province_code", "province_name"}, KeyColumns: []string{"municipality_code"}}, m.MunicipalityToProvince},
	}

	for _, t := range tables {
		rows := make([][]any, 0, len(t.data))
		for key, unit := range t.data {
			rows = append(rows, []any{key, unit.Code, unit.Name})
		}
		if _, _, err := db.BulkUpsert(ctx, s.pool, t.cfg, rows); err != nil {
			return eris.Wrapf(err, "postgres: replace %s", t.cfg.Table)
		}
	}
	return nil
}

// scanner covers both pgx.Row and pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*model.Run, error) {
	var run model.Run
	var status string
	var summary []byte
	if err := row.Scan(&run.ID, &run.FileName, &status, &summary, &run.ResumeIndex,
		&run.ResetTime, &run.FailReason, &run.CreatedAt, &run.UpdatedAt); err != nil {
		return nil, err
	}
	run.Status = model.RunStatus(status)
	if len(summary) > 0 {
		run.Summary = &model.RunSummary{}
		if err := json.Unmarshal(summary, run.Summary); err != nil {
			return nil, eris.Wrap(err, "unmarshal run summary")
		}
	}
	return &run, nil
}

func marshalSummary(s *model.RunSummary) ([]byte, error) {
	if s == nil {
		return nil, nil
	}
	b, err := json.Marshal(s)
	return b, eris.Wrap(err, "marshal run summary")
}
