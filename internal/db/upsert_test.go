package db

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBulkUpsert_EmptyRows(t *testing.T) {
	n, returned, err := BulkUpsert(nil, nil, UpsertConfig{
		Table:      "members",
		Columns:    []string{"id_number", "phone"},
		KeyColumns: []string{"id_number"},
	}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
	assert.Nil(t, returned)
}

func TestBulkUpsert_NoColumns(t *testing.T) {
	_, _, err := BulkUpsert(nil, nil, UpsertConfig{
		Table:      "members",
		KeyColumns: []string{"id_number"},
	}, [][]any{{"8001015009087"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no columns specified")
}

func TestBulkUpsert_NoKeyColumns(t *testing.T) {
	_, _, err := BulkUpsert(nil, nil, UpsertConfig{
		Table:   "members",
		Columns: []string{"id_number", "phone"},
	}, [][]any{{"8001015009087", nil}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no key columns specified")
}

func TestBuildUpsertSQL_CoalesceMerge(t *testing.T) {
	sql := buildUpsertSQL(UpsertConfig{
		Table:      "members",
		Columns:    []string{"id_number", "phone", "email"},
		KeyColumns: []string{"id_number"},
		Coalesce:   true,
		Returning:  []string{"id", "id_number"},
	}, "_tmp_upsert_members", []string{"phone", "email"})

	assert.Contains(t, sql, `"phone" = COALESCE(EXCLUDED."phone", "members"."phone")`)
	assert.Contains(t, sql, `"email" = COALESCE(EXCLUDED."email", "members"."email")`)
	assert.True(t, strings.HasSuffix(sql, `RETURNING "id", "id_number"`), sql)
}

func TestBuildUpsertSQL_OverwriteMerge(t *testing.T) {
	sql := buildUpsertSQL(UpsertConfig{
		Table:      "geo_wards",
		Columns:    []string{"ward_code", "municipality_code"},
		KeyColumns: []string{"ward_code"},
	}, "_tmp_upsert_geo_wards", []string{"municipality_code"})

	assert.Contains(t, sql, `"municipality_code" = EXCLUDED."municipality_code"`)
	assert.NotContains(t, sql, "COALESCE")
	assert.NotContains(t, sql, "RETURNING")
}

func TestSanitizeTable(t *testing.T) {
	assert.Equal(t, `"members"`, sanitizeTable("members"))
	assert.Equal(t, `"public"."members"`, sanitizeTable("public.members"))
}

func TestQuoteAndJoin(t *testing.T) {
	assert.Equal(t, `"id", "id_number"`, quoteAndJoin([]string{"id", "id_number"}))
}
