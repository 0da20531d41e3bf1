package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// UpsertConfig defines the parameters for a bulk upsert operation.
type UpsertConfig struct {
	Table      string   // target table
	Columns    []string // all columns being inserted
	KeyColumns []string // columns forming the unique constraint
	UpdateCols []string // columns to update on conflict; nil = all non-key columns

	// Coalesce selects the merge policy on conflict: an incoming non-null
	// value replaces the stored one, an incoming null leaves it untouched.
	// When false the incoming row overwrites unconditionally.
	Coalesce bool

	// Returning lists columns to return from the upserted rows. The
	// returned tuples are collected before commit.
	Returning []string
}

// BulkUpsert performs a one-round-trip bulk upsert inside a single
// transaction: COPY into a temp table, then INSERT ... ON CONFLICT into the
// target. A failure rolls the whole write back; partial writes are never
// left visible. Returns the affected-row count and, if cfg.Returning is
// set, the returned tuples.
func BulkUpsert(ctx context.Context, pool Pool, cfg UpsertConfig, rows [][]any) (int64, [][]any, error) {
	if len(rows) == 0 {
		return 0, nil, nil
	}
	if len(cfg.Columns) == 0 {
		return 0, nil, eris.New("db: upsert: no columns specified")
	}
	if len(cfg.KeyColumns) == 0 {
		return 0, nil, eris.New("db: upsert: no key columns specified")
	}

	updateCols := cfg.UpdateCols
	if updateCols == nil {
		keySet := make(map[string]bool, len(cfg.KeyColumns))
		for _, k := range cfg.KeyColumns {
			keySet[k] = true
		}
		for _, c := range cfg.Columns {
			if !keySet[c] {
				updateCols = append(updateCols, c)
			}
		}
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, nil, eris.Wrap(err, "db: upsert: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tempTable := fmt.Sprintf("_tmp_upsert_%s", strings.ReplaceAll(cfg.Table, ".", "_"))

	createSQL := fmt.Sprintf(
		"CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		pgx.Identifier{tempTable}.Sanitize(),
		sanitizeTable(cfg.Table),
	)
	if _, err := tx.Exec(ctx, createSQL); err != nil {
		return 0, nil, eris.Wrapf(err, "db: upsert: create temp table for %s", cfg.Table)
	}

	if _, err := tx.CopyFrom(ctx, pgx.Identifier{tempTable}, cfg.Columns, pgx.CopyFromRows(rows)); err != nil {
		return 0, nil, eris.Wrapf(err, "db: upsert: COPY into temp table for %s", cfg.Table)
	}

	upsertSQL := buildUpsertSQL(cfg, tempTable, updateCols)

	var count int64
	var returned [][]any
	if len(cfg.Returning) > 0 {
		pgRows, err := tx.Query(ctx, upsertSQL)
		if err != nil {
			return 0, nil, eris.Wrapf(err, "db: upsert: INSERT ON CONFLICT for %s", cfg.Table)
		}
		for pgRows.Next() {
			vals, err := pgRows.Values()
			if err != nil {
				pgRows.Close()
				return 0, nil, eris.Wrapf(err, "db: upsert: scan RETURNING for %s", cfg.Table)
			}
			returned = append(returned, vals)
		}
		if err := pgRows.Err(); err != nil {
			return 0, nil, eris.Wrapf(err, "db: upsert: read RETURNING for %s", cfg.Table)
		}
		pgRows.Close()
		count = int64(len(returned))
	} else {
		tag, err := tx.Exec(ctx, upsertSQL)
		if err != nil {
			return 0, nil, eris.Wrapf(err, "db: upsert: INSERT ON CONFLICT for %s", cfg.Table)
		}
		count = tag.RowsAffected()
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, nil, eris.Wrap(err, "db: upsert: commit tx")
	}
	return count, returned, nil
}

func buildUpsertSQL(cfg UpsertConfig, tempTable string, updateCols []string) string {
	colList := quoteAndJoin(cfg.Columns)
	keyList := quoteAndJoin(cfg.KeyColumns)

	setClauses := make([]string, 0, len(updateCols))
	for _, col := range updateCols {
		q := pgx.Identifier{col}.Sanitize()
		if cfg.Coalesce {
			setClauses = append(setClauses, fmt.Sprintf("%s = COALESCE(EXCLUDED.%s, %s.%s)",
				q, q, sanitizeTable(cfg.Table), q))
		} else {
			setClauses = append(setClauses, fmt.Sprintf("%s = EXCLUDED.%s", q, q))
		}
	}

	sql := fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) DO UPDATE SET %s",
		sanitizeTable(cfg.Table),
		colList,
		colList,
		pgx.Identifier{tempTable}.Sanitize(),
		keyList,
		strings.Join(setClauses, ", "),
	)
	if len(cfg.Returning) > 0 {
		sql += " RETURNING " + quoteAndJoin(cfg.Returning)
	}
	return sql
}

// sanitizeTable handles schema-qualified table names like "public.members".
func sanitizeTable(table string) string {
	parts := strings.SplitN(table, ".", 2)
	if len(parts) == 2 {
		return pgx.Identifier{parts[0], parts[1]}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}

func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
