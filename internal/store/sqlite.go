package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/memberworks/membersync/internal/geo"
	"github.com/memberworks/membersync/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite, for local and
// development use.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS members (
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
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
	created_at          DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at          DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS ingest_runs (
	id           TEXT PRIMARY KEY,
	file_name    TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'idle',
	summary      TEXT,
	resume_index INTEGER NOT NULL DEFAULT 0,
	reset_time   DATETIME,
	fail_reason  TEXT,
	created_at   DATETIME NOT NULL,
	updated_at   DATETIME NOT NULL
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

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CheckSchema(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `PRAGMA table_info(members)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: check schema")
	}
	defer rows.Close() //nolint:errcheck

	present := make(map[string]bool)
	for rows.Next() {
		var cid int
		var name, colType string
		var notNull int
		var dflt sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return eris.Wrap(err, "sqlite: check schema scan")
		}
		present[name] = true
	}
	if err := rows.Err(); err != nil {
		return eris.Wrap(err, "sqlite: check schema rows")
	}

	for _, col := range memberColumns {
		if !present[col] {
			return eris.Wrapf(ErrSchemaMismatch, "members.%s missing", col)
		}
	}
	return nil
}

func (s *SQLiteStore) ExistingMembers(ctx context.Context, idNumbers []string) (map[string]model.ExistingMember, error) {
	existing := make(map[string]model.ExistingMember, len(idNumbers))
	if len(idNumbers) == 0 {
		return existing, nil
	}

	for start := 0; start < len(idNumbers); start += fetchbackBatchSize {
		end := min(start+fetchbackBatchSize, len(idNumbers))
		if err := s.selectMembers(ctx, idNumbers[start:end], existing); err != nil {
			return nil, err
		}
	}
	return existing, nil
}

func (s *SQLiteStore) selectMembers(ctx context.Context, idNumbers []string, dest map[string]model.ExistingMember) error {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(idNumbers)), ",")
	args := make([]any, len(idNumbers))
	for i, id := range idNumbers {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, id_number FROM members WHERE id_number IN (`+placeholders+`)`, args...)
	if err != nil {
		return eris.Wrap(err, "sqlite: existing members")
	}
	defer rows.Close() //nolint:errcheck

	for rows.Next() {
		var m model.ExistingMember
		if err := rows.Scan(&m.ID, &m.IDNumber); err != nil {
			return eris.Wrap(err, "sqlite: existing members scan")
		}
		dest[m.IDNumber] = m
	}
	return eris.Wrap(rows.Err(), "sqlite: existing members rows")
}

const sqliteUpsert = `
INSERT INTO members (id_number, first_name, last_name, phone, email, branch,
	ward_code, municipality_code, municipality_name, district_code, district_name,
	province_code, province_name, registration_status, voting_station, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id_number) DO UPDATE SET
	first_name          = COALESCE(excluded.first_name, members.first_name),
	last_name           = COALESCE(excluded.last_name, members.last_name),
	phone               = COALESCE(excluded.phone, members.phone),
	email               = COALESCE(excluded.email, members.email),
	branch              = COALESCE(excluded.branch, members.branch),
	ward_code           = COALESCE(excluded.ward_code, members.ward_code),
	municipality_code   = COALESCE(excluded.municipality_code, members.municipality_code),
	municipality_name   = COALESCE(excluded.municipality_name, members.municipality_name),
	district_code       = COALESCE(excluded.district_code, members.district_code),
	district_name       = COALESCE(excluded.district_name, members.district_name),
	province_code       = COALESCE(excluded.province_code, members.province_code),
	province_name       = COALESCE(excluded.province_name, members.province_name),
	registration_status = COALESCE(excluded.registration_status, members.registration_status),
	voting_station      = COALESCE(excluded.voting_station, members.voting_station),
	updated_at          = excluded.updated_at
`

func (s *SQLiteStore) UpsertMembers(ctx context.Context, members []model.Member) (map[string]int64, error) {
	deduped, removed := dedupeMembers(members)
	if removed > 0 {
		zap.L().Info("removed in-batch duplicates before upsert", zap.Int("removed", removed))
	}
	if len(deduped) == 0 {
		return map[string]int64{}, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: upsert begin")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, sqliteUpsert)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: upsert prepare")
	}
	defer stmt.Close() //nolint:errcheck

	now := time.Now().UTC()
	for _, m := range deduped {
		args := memberRow(m, now)
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return nil, eris.Wrapf(err, "sqlite: upsert %s", m.IDNumber)
		}
	}

	// Resolve surrogate keys inside the same transaction so the map and
	// the write commit together.
	keys := make(map[string]int64, len(deduped))
	for start := 0; start < len(deduped); start += fetchbackBatchSize {
		end := min(start+fetchbackBatchSize, len(deduped))
		batch := deduped[start:end]

		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(batch)), ",")
		args := make([]any, len(batch))
		for i, m := range batch {
			args[i] = m.IDNumber
		}
		rows, err := tx.QueryContext(ctx,
			`SELECT id, id_number FROM members WHERE id_number IN (`+placeholders+`)`, args...)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: upsert fetch-back")
		}
		for rows.Next() {
			var id int64
			var idNumber string
			if err := rows.Scan(&id, &idNumber); err != nil {
				rows.Close() //nolint:errcheck
				return nil, eris.Wrap(err, "sqlite: upsert fetch-back scan")
			}
			keys[idNumber] = id
		}
		if err := rows.Err(); err != nil {
			rows.Close() //nolint:errcheck
			return nil, eris.Wrap(err, "sqlite: upsert fetch-back rows")
		}
		rows.Close() //nolint:errcheck
	}

	if len(keys) != len(deduped) {
		return nil, eris.Errorf("sqlite: upsert members: %d of %d keys unresolved",
			len(deduped)-len(keys), len(deduped))
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: upsert commit")
	}
	return keys, nil
}

func (s *SQLiteStore) CreateRun(ctx context.Context, run *model.Run) error {
	now := time.Now().UTC()
	run.CreatedAt = now
	run.UpdatedAt = now

	summary, err := marshalSummary(run.Summary)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO ingest_runs (id, file_name, status, summary, resume_index, reset_time, fail_reason, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.FileName, string(run.Status), nullBytes(summary), run.ResumeIndex, run.ResetTime, run.FailReason, run.CreatedAt, run.UpdatedAt)
	return eris.Wrap(err, "sqlite: create run")
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, run *model.Run) error {
	run.UpdatedAt = time.Now().UTC()

	summary, err := marshalSummary(run.Summary)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE ingest_runs SET status = ?, summary = ?, resume_index = ?, reset_time = ?, fail_reason = ?, updated_at = ? WHERE id = ?`,
		string(run.Status), nullBytes(summary), run.ResumeIndex, run.ResetTime, run.FailReason, run.UpdatedAt, run.ID)
	if err != nil {
		return eris.Wrap(err, "sqlite: update run")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRunNotFound
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, file_name, status, summary, resume_index, reset_time, fail_reason, created_at, updated_at
		 FROM ingest_runs WHERE id = ?`, id)

	run, err := scanSQLiteRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get run")
	}
	return run, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, file_name, status, summary, resume_index, reset_time, fail_reason, created_at, updated_at
		 FROM ingest_runs`
	args := []any{}
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ` + strconv.Itoa(filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []model.Run
	for rows.Next() {
		run, err := scanSQLiteRun(rows.Scan)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: list runs scan")
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs rows")
	}
	return runs, nil
}

func (s *SQLiteStore) GeoMappings(ctx context.Context) (geo.Mappings, error) {
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
	for _, load := range loads {
		rows, err := s.db.QueryContext(ctx, load.query)
		if err != nil {
			return geo.Mappings{}, eris.Wrap(err, "sqlite: load geo table")
		}
		for rows.Next() {
			var key string
			var unit geo.Unit
			if err := rows.Scan(&key, &unit.Code, &unit.Name); err != nil {
				rows.Close() //nolint:errcheck
				return geo.Mappings{}, eris.Wrap(err, "sqlite: load geo table scan")
			}
			load.dest[key] = unit
		}
		if err := rows.Err(); err != nil {
			rows.Close() //nolint:errcheck
			return geo.Mappings{}, eris.Wrap(err, "sqlite: load geo table rows")
		}
		rows.Close() //nolint:errcheck
	}
	return m, nil
}

func (s *SQLiteStore) ReplaceGeoMappings(ctx context.Context, m geo.Mappings) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: replace geo begin")
	}
	defer tx.Rollback() //nolint:errcheck

	tables := []struct {
		insert string
		data   map[string]geo.Unit
	}{
		{`INSERT INTO geo_wards (ward_code, municipality_code, municipality_name) VALUES (?, ?, ?)
		  ON CONFLICT(ward_code) DO UPDATE SET municipality_code = excluded.municipality_code, municipality_name = excluded.municipality_name`, m.WardToMunicipality},
		{`INSERT INTO geo_municipality_districts (municipality_code, district_code, district_name) VALUES (?, ?, ?)
		  ON CONFLICT(municipality_code) DO UPDATE SET district_code = excluded.district_code, district_name = excluded.district_name`, m.MunicipalityToDistrict},
		{`INSERT INTO geo_district_provinces (district_code, province_code, province_name) VALUES (?, ?, ?)
		  ON CONFLICT(district_code) DO UPDATE SET province_code = excluded.province_code, province_name = excluded.province_name`, m.DistrictToProvince},
		{`INSERT INTO geo_municipality_provinces (municipality_code, province_code, province_name) VALUES (?, ?, ?)
		  ON CONFLICT(municipality_code) DO UPDATE SET province_code = excluded.province_code, province_name = excluded.province_name`, m.MunicipalityToProvince},
	}
	for _, t := range tables {
		stmt, err := tx.PrepareContext(ctx, t.insert)
		if err != nil {
			return eris.Wrap(err, "sqlite: replace geo prepare")
		}
		for key, unit := range t.data {
			if _, err := stmt.ExecContext(ctx, key, unit.Code, unit.Name); err != nil {
				stmt.Close() //nolint:errcheck
				return eris.Wrap(err, "sqlite: replace geo exec")
			}
		}
		stmt.Close() //nolint:errcheck
	}
	return eris.Wrap(tx.Commit(), "sqlite: replace geo commit")
}

func scanSQLiteRun(scan func(dest ...any) error) (*model.Run, error) {
	var run model.Run
	var status string
	var summary sql.NullString
	var resetTime sql.NullTime
	if err := scan(&run.ID, &run.FileName, &status, &summary, &run.ResumeIndex,
		&resetTime, &run.FailReason, &run.CreatedAt, &run.UpdatedAt); err != nil {
		return nil, err
	}
	run.Status = model.RunStatus(status)
	if resetTime.Valid {
		t := resetTime.Time
		run.ResetTime = &t
	}
	if summary.Valid && summary.String != "" {
		run.Summary = &model.RunSummary{}
		if err := json.Unmarshal([]byte(summary.String), run.Summary); err != nil {
			return nil, eris.Wrap(err, "unmarshal run summary")
		}
	}
	return &run, nil
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
