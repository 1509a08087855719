// Package analysis turns raw engine search output into the compact records
// stored in the result cache.
package analysis

import (
	"errors"
	"strings"
)

// ErrMalformedOutput is returned when engine output breaks the UCI contract,
// e.g. a principal variation without a score or with an illegal move.
var ErrMalformedOutput = errors.New("malformed engine output")

// Line is one normalized candidate line. Scores and expectations are from
// White's point of view. Field names match the persisted cache format.
type Line struct {
	EV       *int     `json:"ev"`             // centipawns; nil when the line is a forced mate
	Mate     *int     `json:"mate,omitempty"` // moves to mate, positive when White mates
	WhiteWDL float64  `json:"white_wdl"`      // expected score for White in [0, 1]
	BestMove string   `json:"best_move"`
	BestSAN  string   `json:"best_san"`
	PVSAN    []string `json:"pv_san"`
	PV       []string `json:"pv"`
	Nodes    *int     `json:"nodes,omitempty"` // only set on the first line
}

// Record is the cached analysis of one position at one depth. A stored
// record is never empty and its first line is the best one.
type Record []Line

// Best returns the top-ranked line.
func (r Record) Best() (Line, bool) {
	if len(r) == 0 {
		return Line{}, false
	}
	return r[0], true
}

// PVString joins the UCI principal variation with spaces.
func (l Line) PVString() string {
	return strings.Join(l.PV, " ")
}

// PVSANString joins the SAN principal variation with spaces.
func (l Line) PVSANString() string {
	return strings.Join(l.PVSAN, " ")
}
