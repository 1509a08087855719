// Package position validates board descriptions and derives the
// depth-qualified cache keys used by the analysis cache.
package position

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/freeeve/pgn/v3"
)

// ErrInvalidInput is returned for malformed or out-of-range request parameters.
var ErrInvalidInput = errors.New("invalid input")

// Bounds accepted for a position description and a search depth.
const (
	MinFENLength = 10
	MaxFENLength = 80
	MaxFENFields = 6
	MinDepth     = 1
	MaxDepth     = 99
)

// Position is a parsed board description. Only the four leading FEN fields
// take part in equality; the move clocks are kept in FEN for the engine.
type Position struct {
	Placement string
	Side      string
	Castling  string
	EnPassant string
	FEN       string
}

// Parse checks the description bounds and that it loads as a board.
func Parse(desc string) (Position, error) {
	if len(desc) < MinFENLength || len(desc) > MaxFENLength {
		return Position{}, fmt.Errorf("%w: fen length %d outside [%d, %d]", ErrInvalidInput, len(desc), MinFENLength, MaxFENLength)
	}
	fields := strings.Fields(desc)
	if len(fields) > MaxFENFields {
		return Position{}, fmt.Errorf("%w: fen has %d fields, at most %d allowed", ErrInvalidInput, len(fields), MaxFENFields)
	}
	if len(fields) < 4 {
		return Position{}, fmt.Errorf("%w: fen needs placement, side, castling and en passant fields", ErrInvalidInput)
	}
	if fields[1] != "w" && fields[1] != "b" {
		return Position{}, fmt.Errorf("%w: side to move %q", ErrInvalidInput, fields[1])
	}
	gs, err := pgn.NewGame(desc)
	if err != nil {
		return Position{}, fmt.Errorf("%w: bad fen: %v", ErrInvalidInput, err)
	}
	if err := checkBoard(gs); err != nil {
		return Position{}, err
	}

	return Position{
		Placement: fields[0],
		Side:      fields[1],
		Castling:  fields[2],
		EnPassant: fields[3],
		FEN:       desc,
	}, nil
}

// MaxPieces is the most pieces a board reached from the initial position can hold.
const MaxPieces = 32

// checkBoard rejects boards an engine cannot search: each side needs exactly
// one king, and the side that just moved may not be left in check.
func checkBoard(gs *pgn.GameState) error {
	var pieces, whiteKings, blackKings int
	for sq := pgn.Square(0); sq < 64; sq++ {
		switch gs.PieceAt(sq) {
		case 0:
			continue
		case 'K':
			whiteKings++
		case 'k':
			blackKings++
		}
		pieces++
	}
	if whiteKings != 1 || blackKings != 1 {
		return fmt.Errorf("%w: board needs one king per side, has %d white and %d black", ErrInvalidInput, whiteKings, blackKings)
	}
	if pieces > MaxPieces {
		return fmt.Errorf("%w: board has %d pieces, at most %d allowed", ErrInvalidInput, pieces, MaxPieces)
	}
	idle := gs.SideToMove ^ 1
	if gs.IsSquareAttacked(gs.KingSquare(idle), gs.SideToMove) {
		return fmt.Errorf("%w: side not to move is in check", ErrInvalidInput)
	}
	return nil
}

// Canonical returns the four leading FEN fields joined by single spaces.
func (p Position) Canonical() string {
	return p.Placement + " " + p.Side + " " + p.Castling + " " + p.EnPassant
}

// BlackToMove reports whether Black is the side to move.
func (p Position) BlackToMove() bool {
	return p.Side == "b"
}

// Key identifies a cached analysis: a canonical position at a search depth.
type Key struct {
	Position Position
	Depth    int
}

// NewKey validates desc and depth and returns the cache key for them.
func NewKey(desc string, depth int) (Key, error) {
	if err := ValidateDepth(depth); err != nil {
		return Key{}, err
	}
	pos, err := Parse(desc)
	if err != nil {
		return Key{}, err
	}
	return Key{Position: pos, Depth: depth}, nil
}

// String encodes the key as "<placement> <side> <castling> <ep>|<depth>".
func (k Key) String() string {
	return k.Position.Canonical() + "|" + strconv.Itoa(k.Depth)
}

// ValidateDepth rejects depths outside [MinDepth, MaxDepth].
func ValidateDepth(depth int) error {
	if depth < MinDepth || depth > MaxDepth {
		return fmt.Errorf("%w: depth %d outside [%d, %d]", ErrInvalidInput, depth, MinDepth, MaxDepth)
	}
	return nil
}

// ParseDepth parses a depth query parameter.
func ParseDepth(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: missing depth", ErrInvalidInput)
	}
	depth, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: depth %q is not an integer", ErrInvalidInput, s)
	}
	if err := ValidateDepth(depth); err != nil {
		return 0, err
	}
	return depth, nil
}
