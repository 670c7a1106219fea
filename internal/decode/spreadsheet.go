package decode

import (
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"

	"github.com/xuri/excelize/v2"
)

// VIN character set: 17 chars, no I, O or Q.
var vinPattern = regexp.MustCompile(`^[A-HJ-NPR-Z0-9]{17}$`)

const vinLength = 17

// ReadSheet returns the cell grid of the workbook's first sheet.
func ReadSheet(path string) ([][]string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()
	return firstSheetRows(f)
}

func firstSheetRows(f *excelize.File) ([][]string, error) {
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.New("workbook contains no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheets[0], err)
	}
	return rows, nil
}

// ExtractVINs pulls the second column, trimmed and uppercased, keeping only
// values of exactly the VIN length. Order is preserved.
func ExtractVINs(rows [][]string) []string {
	var vins []string
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		vin := strings.ToUpper(strings.TrimSpace(row[1]))
		if len(vin) == vinLength {
			vins = append(vins, vin)
		}
	}
	return vins
}

// OutputPrefix derives the output filename prefix from the first column:
// first two characters of each value, uppercased, deduplicated, sorted and
// joined with underscores. "UNKNOWN" when nothing usable is present.
func OutputPrefix(rows [][]string) string {
	seen := make(map[string]bool)
	for _, row := range rows {
		if len(row) == 0 {
			continue
		}
		cell := strings.TrimSpace(row[0])
		if len(cell) < 2 {
			continue
		}
		seen[strings.ToUpper(cell[:2])] = true
	}
	if len(seen) == 0 {
		return "UNKNOWN"
	}
	codes := make([]string, 0, len(seen))
	for code := range seen {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return strings.Join(codes, "_")
}

// validationRowLimit bounds how much of the sheet the upload check scans.
const validationRowLimit = 100

// ValidateWorkbook checks an uploaded workbook before any job is created:
// first sheet present and non-empty, at least two columns, and the second
// column holding plausible VINs in the first rows. It reads from r so the
// upload can be checked before it is written anywhere.
func ValidateWorkbook(r io.Reader) error {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return errors.New("failed to parse the file; it may be corrupted or in an unsupported format")
	}
	defer f.Close()

	rows, err := firstSheetRows(f)
	if err != nil {
		return errors.New("the file does not contain any sheets")
	}
	if len(rows) == 0 {
		return errors.New("the file is empty")
	}
	if len(rows[0]) < 2 {
		return errors.New("the file must have at least 2 columns (OEM and VIN)")
	}

	limit := len(rows)
	if limit > validationRowLimit {
		limit = validationRowLimit
	}
	candidates, invalid := 0, 0
	for _, row := range rows[:limit] {
		if len(row) < 2 {
			continue
		}
		v := strings.ToUpper(strings.TrimSpace(row[1]))
		if len(v) != vinLength {
			continue
		}
		candidates++
		if !vinPattern.MatchString(v) {
			invalid++
		}
	}
	if candidates == 0 {
		return errors.New("no potential VINs found in the second column")
	}
	if invalid > candidates/2 {
		return errors.New("many entries in the second column do not appear to be valid VINs")
	}
	return nil
}
