// Package batchfile reads uploaded membership batches (XLSX or CSV) into
// RawRecords, mapping the header row onto the known column set and carrying
// anything unrecognized through in the Extras bag.
package batchfile

import (
	"strings"

	"github.com/memberworks/membersync/internal/model"
)

// headerAliases maps normalized header names to record fields. Upload files
// come from several provincial teams with their own header conventions.
var headerAliases = map[string]string{
	"id number":     "id_number",
	"idnumber":      "id_number",
	"id no":         "id_number",
	"id":            "id_number",
	"identity":      "id_number",
	"first name":    "first_name",
	"firstname":     "first_name",
	"name":          "first_name",
	"names":         "first_name",
	"last name":     "last_name",
	"lastname":      "last_name",
	"surname":       "last_name",
	"phone":         "phone",
	"cell":          "phone",
	"cellphone":     "phone",
	"cell number":   "phone",
	"contact":       "phone",
	"email":         "email",
	"email address": "email",
	"branch":        "branch",
	"ward":          "expected_ward",
	"ward code":     "expected_ward",
	"ward number":   "expected_ward",
	"notes":         "notes",
	"comments":      "notes",
}

// columnMap resolves each header cell to a record field; unresolved headers
// keep their cleaned name and land in Extras.
type columnMap struct {
	fields []string
}

func mapHeader(header []string) columnMap {
	fields := make([]string, len(header))
	for i, h := range header {
		key := strings.ToLower(strings.TrimSpace(h))
		key = strings.Trim(key, ":*")
		key = strings.ReplaceAll(key, "_", " ")
		key = strings.Join(strings.Fields(key), " ")
		if field, ok := headerAliases[key]; ok {
			fields[i] = field
		} else {
			fields[i] = "extra:" + key
		}
	}
	return columnMap{fields: fields}
}

// record builds a RawRecord from one data row. rowIndex is the 1-based
// position in the file, header included, so operators can find the row in
// their spreadsheet.
func (cm columnMap) record(rowIndex int, cells []string) model.RawRecord {
	rec := model.RawRecord{RowIndex: rowIndex}
	for i, field := range cm.fields {
		if i >= len(cells) {
			break
		}
		val := strings.TrimSpace(cells[i])
		if val == "" {
			continue
		}
		switch field {
		case "id_number":
			rec.IDNumber = val
		case "first_name":
			rec.FirstName = val
		case "last_name":
			rec.LastName = val
		case "phone":
			rec.Phone = val
		case "email":
			rec.Email = val
		case "branch":
			rec.Branch = val
		case "expected_ward":
			rec.ExpectedWard = val
		case "notes":
			rec.Notes = val
		default:
			if rec.Extras == nil {
				rec.Extras = make(map[string]string)
			}
			rec.Extras[strings.TrimPrefix(field, "extra:")] = val
		}
	}
	return rec
}

func blankRow(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// assemble converts a header row plus data rows into RawRecords, skipping
// fully blank rows but preserving original row numbering.
func assemble(header []string, rows [][]string) []model.RawRecord {
	cm := mapHeader(header)
	records := make([]model.RawRecord, 0, len(rows))
	for i, cells := range rows {
		if blankRow(cells) {
			continue
		}
		records = append(records, cm.record(i+2, cells))
	}
	return records
}
