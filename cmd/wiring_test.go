package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/memberworks/membersync/internal/config"
)

// writeTestWorkbook builds a two-sheet file so sheet selection is observable.
func writeTestWorkbook(t *testing.T) string {
	t.Helper()

	f := xlsx.NewFile()
	addSheet := func(name string, rows ...[]string) {
		sheet, err := f.AddSheet(name)
		require.NoError(t, err)
		for _, rowData := range rows {
			row := sheet.AddRow()
			for _, cellData := range rowData {
				row.AddCell().SetString(cellData)
			}
		}
	}
	addSheet("Summary", []string{"note"})
	addSheet("Members",
		[]string{"id_number", "first_name"},
		[]string{"8001015009087", "Thandi"},
	)

	path := filepath.Join(t.TempDir(), "branch.xlsx")
	require.NoError(t, f.Save(path))
	return path
}

func TestBatchSheet_FlagOverridesConfig(t *testing.T) {
	cfg = &config.Config{}
	cfg.Ingest.SheetName = "Members"

	assert.Equal(t, "Members", batchSheet(""))
	assert.Equal(t, "Overrides", batchSheet("Overrides"))
}

func TestReadBatch_UsesConfiguredSheetName(t *testing.T) {
	path := writeTestWorkbook(t)

	cfg = &config.Config{}
	cfg.Ingest.SheetName = "Members"

	batch, err := readBatch(path, cfg.Ingest.SheetIndex, batchSheet(""))
	require.NoError(t, err)
	assert.Equal(t, "branch.xlsx", batch.FileName)
	require.Len(t, batch.Records, 1)
	assert.Equal(t, "8001015009087", batch.Records[0].IDNumber)
	assert.Equal(t, "Thandi", batch.Records[0].FirstName)
}

func TestReadBatch_DefaultsToFirstSheet(t *testing.T) {
	path := writeTestWorkbook(t)

	batch, err := readBatch(path, 0, "")
	require.NoError(t, err)
	assert.Empty(t, batch.Records)
}
