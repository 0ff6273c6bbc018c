package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/danshapiro/analyst/internal/schema"
)

var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"01/02/2006",
	"2006-01",
}

// LoadCSV reads a headered CSV and infers each column's type from its
// non-empty cells: number, then bool, then date, else string.
func LoadCSV(name string, r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("dataset %q: empty csv", name)
		}
		return nil, fmt.Errorf("dataset %q: read header: %w", name, err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff"))
	}
	raw := make([][]string, len(header))
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("dataset %q: line %d: %w", name, line, err)
		}
		for i := range header {
			cell := ""
			if i < len(rec) {
				cell = strings.TrimSpace(rec[i])
			}
			raw[i] = append(raw[i], cell)
		}
	}

	s := make(schema.Schema, len(header))
	cols := make([][]any, len(header))
	for i, h := range header {
		typ, layout := inferType(raw[i])
		s[i] = schema.Column{Name: h, Type: typ}
		cols[i] = convertColumn(raw[i], typ, layout)
	}
	return NewTable(name, s, cols)
}

// LoadFile loads one CSV, naming the table after the file's base name.
func LoadFile(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	base := filepath.Base(path)
	return LoadCSV(strings.TrimSuffix(base, filepath.Ext(base)), f)
}

// LoadGlob loads every CSV matching a doublestar pattern ("data/**/*.csv").
func LoadGlob(pattern string) (Catalog, error) {
	matches, err := doublestar.FilepathGlob(pattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("dataset: glob %q: %w", pattern, err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("dataset: no files match %q", pattern)
	}
	cat := Catalog{}
	for _, m := range matches {
		t, err := LoadFile(m)
		if err != nil {
			return nil, err
		}
		if _, dup := cat[t.Name()]; dup {
			return nil, fmt.Errorf("dataset: two files load as table %q", t.Name())
		}
		cat[t.Name()] = t
	}
	return cat, nil
}

func inferType(cells []string) (schema.Type, string) {
	nonEmpty := 0
	isNum, isBool := true, true
	dateLayout := ""
	for _, c := range cells {
		if c == "" {
			continue
		}
		nonEmpty++
		if isNum {
			if _, err := parseNumber(c); err != nil && !errors.Is(err, errNonFinite) {
				isNum = false
			}
		}
		if isBool {
			if _, err := strconv.ParseBool(strings.ToLower(c)); err != nil || isDigits(c) {
				isBool = false
			}
		}
	}
	if nonEmpty == 0 {
		return schema.TypeString, ""
	}
	switch {
	case isNum:
		return schema.TypeNumber, ""
	case isBool:
		return schema.TypeBool, ""
	}
	for _, layout := range dateLayouts {
		ok := true
		for _, c := range cells {
			if c == "" {
				continue
			}
			if _, err := time.Parse(layout, c); err != nil {
				ok = false
				break
			}
		}
		if ok {
			dateLayout = layout
			break
		}
	}
	if dateLayout != "" {
		return schema.TypeDate, dateLayout
	}
	return schema.TypeString, ""
}

func convertColumn(cells []string, typ schema.Type, layout string) []any {
	out := make([]any, len(cells))
	for i, c := range cells {
		if c == "" {
			continue
		}
		switch typ {
		case schema.TypeNumber:
			if f, err := parseNumber(c); err == nil {
				out[i] = f
			}
		case schema.TypeBool:
			b, _ := strconv.ParseBool(strings.ToLower(c))
			out[i] = b
		case schema.TypeDate:
			ts, _ := time.Parse(layout, c)
			out[i] = ts
		default:
			out[i] = c
		}
	}
	return out
}

var errNonFinite = errors.New("not a finite number")

// parseNumber accepts thousands separators and a leading currency sign.
// NaN and infinities are reported as errNonFinite; such cells load as
// missing.
func parseNumber(s string) (float64, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "$"), "€")
	s = strings.ReplaceAll(s, ",", "")
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, errNonFinite
	}
	return f, nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
