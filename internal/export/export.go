// Package export renders the grade table as a flat spreadsheet.
//
// The sheet layout is fixed: a title row, a metadata row (date and homework
// title), a blank row, a header row and one row per graded student. Student
// ids are exported only when at least one row carries one; rows are then
// sorted by id, otherwise by name in Chinese collation order. Rows without a
// name or without a score are left out.
package export

import (
	"cmp"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/MrWong99/voicegrade/internal/registry"
)

const (
	// SheetName is the name of the single worksheet.
	SheetName = "成绩"

	// DefaultTitle is used when [Meta.Title] is empty.
	DefaultTitle = "成绩单"

	// DateLayout formats the metadata date and the file name.
	DateLayout = "2006-01-02"

	headerID    = "学号"
	headerName  = "姓名"
	headerScore = "成绩"
	labelDate   = "日期"
	labelWork   = "作业"
)

// Meta describes the sheet header.
type Meta struct {
	// Title is the sheet title. Default: [DefaultTitle].
	Title string

	// Homework is the assignment the grades belong to. May be empty.
	Homework string

	Date time.Time
}

// Filename returns the workbook file name for a session held on date.
func Filename(date time.Time) string {
	return "grades-" + date.Format(DateLayout) + ".xlsx"
}

// Rows returns the entries that belong in the export, in export order, and
// whether the id column is used.
func Rows(entries []registry.Entry) (rows []registry.Entry, withIDs bool) {
	for _, e := range entries {
		if strings.TrimSpace(e.Name) == "" || e.Score == nil {
			continue
		}
		rows = append(rows, e)
		if e.StudentID != "" {
			withIDs = true
		}
	}

	if withIDs {
		slices.SortStableFunc(rows, func(a, b registry.Entry) int {
			switch {
			case a.StudentID == "" && b.StudentID != "":
				return 1
			case a.StudentID != "" && b.StudentID == "":
				return -1
			}
			return cmp.Or(strings.Compare(a.StudentID, b.StudentID), strings.Compare(a.Name, b.Name))
		})
		return rows, true
	}

	col := collate.New(language.Chinese)
	slices.SortStableFunc(rows, func(a, b registry.Entry) int {
		return col.CompareString(a.Name, b.Name)
	})
	return rows, false
}

// Grid builds the cell grid for entries. Scores are ints so spreadsheet
// applications treat them as numbers.
func Grid(entries []registry.Entry, meta Meta) [][]any {
	title := meta.Title
	if title == "" {
		title = DefaultTitle
	}

	rows, withIDs := Rows(entries)
	grid := make([][]any, 0, len(rows)+4)
	grid = append(grid,
		[]any{title},
		[]any{labelDate, meta.Date.Format(DateLayout), labelWork, meta.Homework},
		[]any{},
	)
	if withIDs {
		grid = append(grid, []any{headerID, headerName, headerScore})
	} else {
		grid = append(grid, []any{headerName, headerScore})
	}
	for _, e := range rows {
		if withIDs {
			grid = append(grid, []any{e.StudentID, e.Name, *e.Score})
		} else {
			grid = append(grid, []any{e.Name, *e.Score})
		}
	}
	return grid
}

// WriteXLSX writes entries as a single-sheet workbook to w.
func WriteXLSX(w io.Writer, entries []registry.Entry, meta Meta) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetName); err != nil {
		return fmt.Errorf("export: rename sheet: %w", err)
	}
	for i, row := range Grid(entries, meta) {
		if len(row) == 0 {
			continue
		}
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return fmt.Errorf("export: cell name: %w", err)
		}
		if err := f.SetSheetRow(SheetName, cell, &row); err != nil {
			return fmt.Errorf("export: write row %d: %w", i+1, err)
		}
	}
	if err := f.SetColWidth(SheetName, "A", "D", 14); err != nil {
		return fmt.Errorf("export: column width: %w", err)
	}
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("export: write workbook: %w", err)
	}
	return nil
}

// ReadXLSX reads a workbook produced by [WriteXLSX] back into entries and
// metadata. Entry IDs are not part of the sheet and are left empty.
func ReadXLSX(r io.Reader) ([]registry.Entry, Meta, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, Meta{}, fmt.Errorf("export: open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, Meta{}, fmt.Errorf("export: workbook has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, Meta{}, fmt.Errorf("export: read rows: %w", err)
	}

	var meta Meta
	if len(rows) > 0 && len(rows[0]) > 0 {
		meta.Title = rows[0][0]
	}
	if len(rows) > 1 {
		meta.Date, meta.Homework = readMetaRow(rows[1])
	}

	header := -1
	withIDs := false
	for i, row := range rows {
		if len(row) == 0 {
			continue
		}
		if row[0] == headerID || row[0] == headerName {
			header, withIDs = i, row[0] == headerID
			break
		}
	}
	if header < 0 {
		return nil, meta, fmt.Errorf("export: header row not found")
	}

	var entries []registry.Entry
	for i, row := range rows[header+1:] {
		if withIDs {
			row = append([]string(nil), row...)
		} else {
			row = append([]string{""}, row...)
		}
		if len(row) < 3 || row[1] == "" {
			continue
		}
		score, err := strconv.Atoi(strings.TrimSpace(row[2]))
		if err != nil {
			return nil, meta, fmt.Errorf("export: row %d: score %q: %w", header+i+2, row[2], err)
		}
		entries = append(entries, registry.Entry{
			StudentID: row[0],
			Name:      row[1],
			Score:     &score,
		})
	}
	return entries, meta, nil
}

func readMetaRow(row []string) (time.Time, string) {
	var (
		date     time.Time
		homework string
	)
	for i := 0; i+1 < len(row); i += 2 {
		switch row[i] {
		case labelDate:
			if d, err := time.Parse(DateLayout, row[i+1]); err == nil {
				date = d
			}
		case labelWork:
			homework = row[i+1]
		}
	}
	return date, homework
}
