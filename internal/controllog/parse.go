package controllog

import (
	"strconv"
	"strings"
	"time"

	"github.com/apexloop/race-timing-pipeline/api/timing"
)

// timestampLayouts are tried in order; sheets are hand-edited and drift
// between exports.
var timestampLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"1/2/2006 15:04:05",
	"1/2/2006 15:04",
	"1/2/2006 3:04:05 PM",
	"1/2/2006 3:04 PM",
	time.RFC3339,
}

type columnIndexes struct {
	order         int
	car1          int
	car2          int
	timestamp     int
	status        int
	corner        int
	note          int
	otherNotes    int
	penaltyAction int
}

// findHeader locates the header row and resolves column positions. The
// second occurrence of the car header is the second-car column.
func findHeader(grid [][]Cell, cols columnMap) (columnIndexes, int, bool) {
	for rowIdx, row := range grid {
		idx := columnIndexes{order: -1, car1: -1, car2: -1, timestamp: -1, status: -1, corner: -1, note: -1, otherNotes: -1, penaltyAction: -1}
		for colIdx, cell := range row {
			name := strings.ToLower(strings.TrimSpace(cell.Value))
			switch name {
			case cols.car:
				if idx.car1 < 0 {
					idx.car1 = colIdx
				} else if idx.car2 < 0 {
					idx.car2 = colIdx
				}
			case cols.order:
				idx.order = colIdx
			case cols.timestamp:
				idx.timestamp = colIdx
			case cols.status:
				idx.status = colIdx
			case cols.corner:
				idx.corner = colIdx
			case cols.note:
				idx.note = colIdx
			case cols.otherNotes:
				idx.otherNotes = colIdx
			case cols.penaltyAction:
				idx.penaltyAction = colIdx
			}
		}
		if idx.car1 >= 0 && idx.timestamp >= 0 && idx.penaltyAction >= 0 {
			return idx, rowIdx, true
		}
	}
	return columnIndexes{}, 0, false
}

func cellAt(row []Cell, i int) Cell {
	if i < 0 || i >= len(row) {
		return Cell{}
	}
	return row[i]
}

func parseTimestamp(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

// parseGrid turns the sheet into control-log entries. Rows without a car or
// a plausible timestamp are skipped; parsing stops after maxMissed
// consecutive rows with no timestamp at all, since sheets trail off into
// template rows.
func parseGrid(grid [][]Cell, cols columnMap, minYear, maxMissed int) []timing.ControlLogEntry {
	idx, headerRow, ok := findHeader(grid, cols)
	if !ok {
		return nil
	}

	entries := make([]timing.ControlLogEntry, 0, len(grid))
	missing := 0
	order := 0
	for _, row := range grid[headerRow+1:] {
		tsCell := cellAt(row, idx.timestamp)
		ts, tsOK := parseTimestamp(tsCell.Value)
		if !tsOK {
			missing++
			if missing >= maxMissed {
				break
			}
			continue
		}
		missing = 0
		if ts.Year() < minYear {
			continue
		}

		car1Cell := cellAt(row, idx.car1)
		car1 := strings.TrimSpace(car1Cell.Value)
		if car1 == "" {
			continue
		}
		car2Cell := cellAt(row, idx.car2)

		order++
		entry := timing.ControlLogEntry{
			OrderID:           order,
			Car1:              car1,
			Car2:              strings.TrimSpace(car2Cell.Value),
			TimestampMS:       ts.UnixMilli(),
			Status:            strings.TrimSpace(cellAt(row, idx.status).Value),
			Corner:            strings.TrimSpace(cellAt(row, idx.corner).Value),
			Note:              strings.TrimSpace(cellAt(row, idx.note).Value),
			OtherNotes:        strings.TrimSpace(cellAt(row, idx.otherNotes).Value),
			PenaltyAction:     strings.TrimSpace(cellAt(row, idx.penaltyAction).Value),
			IsCar1Highlighted: car1Cell.Highlight.Marked(),
			IsCar2Highlighted: car2Cell.Highlight.Marked(),
		}
		if raw := strings.TrimSpace(cellAt(row, idx.order).Value); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil {
				entry.OrderID = n
			}
		}
		entries = append(entries, entry)
	}
	return entries
}
