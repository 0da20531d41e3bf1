package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadMappingCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wards.csv")
	csv := "ward_code,municipality_code,municipality_name\n" +
		"52305011,KZN235,Okhahlamba\n" +
		"79800085,JHB,City of Johannesburg\n" +
		",ignored,blank key\n"
	require.NoError(t, os.WriteFile(path, []byte(csv), 0644))

	table, err := readMappingCSV(path)
	require.NoError(t, err)
	require.Len(t, table, 2)
	assert.Equal(t, "KZN235", table["52305011"].Code)
	assert.Equal(t, "Okhahlamba", table["52305011"].Name)
	assert.Equal(t, "JHB", table["79800085"].Code)
}

func TestReadMappingCSV_TwoColumns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metros.csv")
	require.NoError(t, os.WriteFile(path, []byte("municipality,province\nJHB,GT\n"), 0644))

	table, err := readMappingCSV(path)
	require.NoError(t, err)
	assert.Equal(t, "GT", table["JHB"].Code)
	assert.Empty(t, table["JHB"].Name)
}

func TestReadMappingCSV_HeaderOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.csv")
	require.NoError(t, os.WriteFile(path, []byte("a,b,c\n"), 0644))

	_, err := readMappingCSV(path)
	assert.Error(t, err)
}

func TestReadMappingCSV_MissingFile(t *testing.T) {
	_, err := readMappingCSV(filepath.Join(t.TempDir(), "nope.csv"))
	assert.Error(t, err)
}
