// Package ingest loads skip-trace subjects from operator-supplied CSV and
// XLSX files.
package ingest

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/skiptrace-cli/internal/model"
)

// Options configures column mapping for subject files.
type Options struct {
	// IDColumn, AddressColumn, and OwnerColumn override header detection.
	// Matching is case-insensitive.
	IDColumn      string
	AddressColumn string
	OwnerColumn   string
	// SheetName selects an XLSX sheet; the first sheet is used when empty.
	SheetName string
}

// Header aliases tried in order when no explicit column is configured.
var (
	idAliases      = []string{"id", "subject_id", "apn", "parcel_id"}
	addressAliases = []string{"address", "property_address", "street_address", "site_address"}
	ownerAliases   = []string{"owner", "owner_name", "name", "owner_1"}
)

// ReadSubjects loads subjects from path, dispatching on the file extension.
func ReadSubjects(path string, opts Options) ([]model.Subject, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		f, err := os.Open(path)
		if err != nil {
			return nil, eris.Wrapf(err, "ingest: open %s", path)
		}
		defer f.Close()
		return ReadCSVSubjects(f, opts)
	case ".xlsx":
		return ReadXLSXSubjects(path, opts)
	default:
		return nil, eris.Errorf("ingest: unsupported file type %s (want .csv or .xlsx)", filepath.Ext(path))
	}
}

// ReadCSVSubjects parses subjects from CSV data with a header row.
func ReadCSVSubjects(r io.Reader, opts Options) ([]model.Subject, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1 // allow variable fields

	header, err := reader.Read()
	if err == io.EOF {
		return nil, eris.New("ingest: empty file")
	}
	if err != nil {
		return nil, eris.Wrap(err, "ingest: read header")
	}

	cols, err := mapColumns(header, opts)
	if err != nil {
		return nil, err
	}

	var subjects []model.Subject
	rowNum := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrapf(err, "ingest: read row %d", rowNum+1)
		}
		rowNum++
		subjects = append(subjects, subjectFromRow(record, cols, rowNum))
	}
	return subjects, nil
}

// ReadXLSXSubjects parses subjects from the given XLSX file.
func ReadXLSXSubjects(path string, opts Options) ([]model.Subject, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: open xlsx")
	}

	var sheet *xlsx.Sheet
	if opts.SheetName != "" {
		var ok bool
		sheet, ok = f.Sheet[opts.SheetName]
		if !ok {
			return nil, eris.Errorf("ingest: sheet %q not found", opts.SheetName)
		}
	} else {
		if len(f.Sheets) == 0 {
			return nil, eris.New("ingest: workbook has no sheets")
		}
		sheet = f.Sheets[0]
	}

	if len(sheet.Rows) == 0 {
		return nil, eris.New("ingest: empty sheet")
	}

	header := rowToStrings(sheet.Rows[0])
	cols, err := mapColumns(header, opts)
	if err != nil {
		return nil, err
	}

	var subjects []model.Subject
	for i, row := range sheet.Rows[1:] {
		cells := rowToStrings(row)
		if emptyRow(cells) {
			continue
		}
		subjects = append(subjects, subjectFromRow(cells, cols, i+2))
	}
	return subjects, nil
}

// columns holds resolved column indexes; -1 means absent.
type columns struct {
	id      int
	address int
	owner   int
}

func mapColumns(header []string, opts Options) (columns, error) {
	cols := columns{
		id:      findColumn(header, opts.IDColumn, idAliases),
		address: findColumn(header, opts.AddressColumn, addressAliases),
		owner:   findColumn(header, opts.OwnerColumn, ownerAliases),
	}
	if cols.address < 0 && cols.owner < 0 {
		return cols, eris.Errorf("ingest: no address or owner column found in header %v", header)
	}
	return cols, nil
}

func findColumn(header []string, explicit string, aliases []string) int {
	if explicit != "" {
		aliases = []string{explicit}
	}
	for _, alias := range aliases {
		for i, h := range header {
			if strings.EqualFold(strings.TrimSpace(h), alias) {
				return i
			}
		}
	}
	return -1
}

func subjectFromRow(record []string, cols columns, rowNum int) model.Subject {
	s := model.Subject{
		ID:      cell(record, cols.id),
		Address: cell(record, cols.address),
		Owner:   cell(record, cols.owner),
	}
	// Files without an ID column get stable row-derived IDs so items can be
	// traced back to their source line.
	if s.ID == "" {
		s.ID = fmt.Sprintf("row-%d", rowNum)
	}
	return s
}

func cell(record []string, idx int) string {
	if idx < 0 || idx >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[idx])
}

func emptyRow(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

func rowToStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for i, c := range row.Cells {
		cells[i] = c.String()
	}
	return cells
}
