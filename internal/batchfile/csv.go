package batchfile

import (
	"encoding/csv"
	"io"
	"os"

	"github.com/rotisserie/eris"

	"github.com/memberworks/membersync/internal/model"
)

// ReadCSV reads a batch CSV file. The first row is the header. Variable
// field counts are tolerated since hand-edited exports often have ragged
// trailing columns.
func ReadCSV(path string) ([]model.RawRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "batchfile: open csv")
	}
	defer f.Close() //nolint:errcheck

	return ParseCSV(f)
}

// ParseCSV reads batch rows from an open reader.
func ParseCSV(r io.Reader) ([]model.RawRecord, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	var header []string
	var rows [][]string
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrap(err, "batchfile: read csv")
		}
		if header == nil {
			header = record
			continue
		}
		rows = append(rows, record)
	}
	if header == nil {
		return nil, eris.New("batchfile: empty file")
	}
	return assemble(header, rows), nil
}
