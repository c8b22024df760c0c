// Package controllog pulls the race-control spreadsheet, parses penalty
// entries per car and rolls them up for the penalty enricher.
package controllog

import (
	"context"
	"fmt"
)

// Kind selects the column layout of the control-log source. One parser
// consumes all layouts through a per-kind column map.
type Kind string

const (
	KindWrlSheet      Kind = "wrl"
	KindChampCarSheet Kind = "champcar"
	KindLuckyDogSheet Kind = "luckydog"
)

// columnMap names the headers each sheet kind uses. The car header is
// matched twice; its second occurrence is the second-car column.
type columnMap struct {
	order         string
	car           string
	timestamp     string
	status        string
	corner        string
	note          string
	otherNotes    string
	penaltyAction string
}

func columnsFor(kind Kind) (columnMap, error) {
	switch kind {
	case KindWrlSheet:
		return columnMap{
			order:         "orderid",
			car:           "car",
			timestamp:     "timestamp",
			status:        "status",
			corner:        "corner",
			note:          "note",
			otherNotes:    "othernotes",
			penaltyAction: "penaltyaction",
		}, nil
	case KindChampCarSheet:
		return columnMap{
			order:         "order",
			car:           "car #",
			timestamp:     "time",
			status:        "status",
			corner:        "turn",
			note:          "note",
			otherNotes:    "other",
			penaltyAction: "penalty",
		}, nil
	case KindLuckyDogSheet:
		return columnMap{
			order:         "#",
			car:           "car",
			timestamp:     "time of incident",
			status:        "status",
			corner:        "corner",
			note:          "description",
			otherNotes:    "notes",
			penaltyAction: "action",
		}, nil
	default:
		return columnMap{}, fmt.Errorf("unknown control log kind %q", kind)
	}
}

// HighlightColor is the fill colour of one sheet cell. Blue carries a
// pointer: sheets leave it unset on marked cells.
type HighlightColor struct {
	Red   int  `json:"red"`
	Green int  `json:"green"`
	Blue  *int `json:"blue,omitempty"`
}

// Marked reports whether the cell is flagged by race control.
func (h HighlightColor) Marked() bool {
	return h.Red >= 1 && h.Green >= 1 && h.Blue == nil
}

// Cell is one spreadsheet cell.
type Cell struct {
	Value     string         `json:"value"`
	Highlight HighlightColor `json:"highlight"`
}

// Fetcher pulls the current sheet contents. The Sheets client lives behind
// this interface; tests use fixtures.
type Fetcher interface {
	FetchGrid(ctx context.Context) ([][]Cell, error)
}
