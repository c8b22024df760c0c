package rmonitor

import (
	"fmt"
	"strconv"
	"strings"
)

// record is one parsed protocol line: a $-prefixed command and its fields
// with quoting stripped.
type record struct {
	command string
	fields  []string
}

// parseLine splits one protocol line into command and fields. Fields are
// comma-separated; quoted fields may contain commas and doubled quotes.
func parseLine(line string) (record, error) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" || !strings.HasPrefix(line, "$") {
		return record{}, fmt.Errorf("line must start with '$'")
	}

	fields, err := splitFields(line)
	if err != nil {
		return record{}, err
	}
	return record{command: fields[0], fields: fields[1:]}, nil
}

func splitFields(line string) ([]string, error) {
	var fields []string
	var buf strings.Builder
	inQuotes := false

	for i := 0; i < len(line); i++ {
		ch := line[i]
		switch {
		case ch == '"' && inQuotes:
			if i+1 < len(line) && line[i+1] == '"' {
				buf.WriteByte('"')
				i++
				continue
			}
			inQuotes = false
		case ch == '"':
			inQuotes = true
		case ch == ',' && !inQuotes:
			fields = append(fields, buf.String())
			buf.Reset()
		default:
			buf.WriteByte(ch)
		}
	}
	if inQuotes {
		return nil, fmt.Errorf("unterminated quote")
	}
	fields = append(fields, buf.String())
	return fields, nil
}

func (r record) str(i int) string {
	if i >= len(r.fields) {
		return ""
	}
	return strings.TrimSpace(r.fields[i])
}

func (r record) num(i int) (int, error) {
	raw := r.str(i)
	if raw == "" {
		return 0, fmt.Errorf("field %d is empty", i)
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("field %d is not numeric: %q", i, raw)
	}
	return v, nil
}

func (r record) uint64At(i int) (uint64, error) {
	raw := r.str(i)
	if raw == "" {
		return 0, fmt.Errorf("field %d is empty", i)
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("field %d is not numeric: %q", i, raw)
	}
	return v, nil
}
