package analysis

import (
	"fmt"

	"github.com/freeeve/pgn/v3"
)

// Move flag values used by pgn.Mv.
const (
	flagEnPassant = 2
	flagCastle    = 4
)

// moveToUCI converts a pgn.Mv to UCI notation (e.g., "e2e4", "e7e8q")
func moveToUCI(mv pgn.Mv) string {
	files := "abcdefgh"
	ranks := "12345678"

	from := string(files[mv.From%8]) + string(ranks[mv.From/8])
	to := string(files[mv.To%8]) + string(ranks[mv.To/8])

	uci := from + to

	switch mv.Promo {
	case pgn.PromoQueen:
		uci += "q"
	case pgn.PromoRook:
		uci += "r"
	case pgn.PromoBishop:
		uci += "b"
	case pgn.PromoKnight:
		uci += "n"
	}

	return uci
}

// legalMove finds the legal move in pos written as uci.
func legalMove(pos *pgn.GameState, uci string) (pgn.Mv, error) {
	for _, mv := range pgn.GenerateLegalMoves(pos) {
		if moveToUCI(mv) == uci {
			return mv, nil
		}
	}
	return pgn.Mv{}, fmt.Errorf("%w: illegal move %q in %s", ErrMalformedOutput, uci, pos.ToFEN())
}

// toSAN renders a legal move in standard algebraic notation for pos.
func toSAN(pos *pgn.GameState, mv pgn.Mv) string {
	if mv.Flags == flagCastle {
		san := "O-O-O"
		if mv.To > mv.From {
			san = "O-O"
		}
		return san + checkSuffix(pos, mv)
	}

	fromSq := int(mv.From)
	toSq := int(mv.To)
	fromFile := fromSq % 8
	toFile := toSq % 8
	toRank := toSq / 8

	files := "abcdefgh"
	ranks := "12345678"

	piece := upper(pos.PieceAt(mv.From))
	isPawn := piece == 'P'
	isCapture := pos.PieceAt(mv.To) != 0 || (isPawn && mv.Flags == flagEnPassant)

	var san string
	if isPawn {
		if isCapture {
			san = string(files[fromFile]) + "x"
		}
		san += string(files[toFile]) + string(ranks[toRank])
		switch mv.Promo {
		case pgn.PromoQueen:
			san += "=Q"
		case pgn.PromoRook:
			san += "=R"
		case pgn.PromoBishop:
			san += "=B"
		case pgn.PromoKnight:
			san += "=N"
		}
		return san + checkSuffix(pos, mv)
	}

	san = string(rune(piece)) + disambiguation(pos, mv, piece)
	if isCapture {
		san += "x"
	}
	san += string(files[toFile]) + string(ranks[toRank])
	return san + checkSuffix(pos, mv)
}

// disambiguation returns the file, rank or square needed when another piece
// of the same kind can also reach the destination.
func disambiguation(pos *pgn.GameState, mv pgn.Mv, piece byte) string {
	files := "abcdefgh"
	ranks := "12345678"
	fromFile := int(mv.From) % 8
	fromRank := int(mv.From) / 8

	var rivals, sameFile, sameRank int
	for _, other := range pgn.GenerateLegalMoves(pos) {
		if other.To != mv.To || other.From == mv.From {
			continue
		}
		if upper(pos.PieceAt(other.From)) != piece {
			continue
		}
		rivals++
		if int(other.From)%8 == fromFile {
			sameFile++
		}
		if int(other.From)/8 == fromRank {
			sameRank++
		}
	}

	switch {
	case rivals == 0:
		return ""
	case sameFile == 0:
		return string(files[fromFile])
	case sameRank == 0:
		return string(ranks[fromRank])
	default:
		return string(files[fromFile]) + string(ranks[fromRank])
	}
}

// checkSuffix returns "+" or "#" when mv gives check or mate.
func checkSuffix(pos *pgn.GameState, mv pgn.Mv) string {
	after := pos.Copy()
	if err := pgn.ApplyMove(after, mv); err != nil {
		return ""
	}
	if !after.IsInCheck() {
		return ""
	}
	if len(pgn.GenerateLegalMoves(after)) == 0 {
		return "#"
	}
	return "+"
}

func upper(piece byte) byte {
	if piece >= 'a' && piece <= 'z' {
		return piece - 32
	}
	return piece
}

// sanLine walks pv from pos on a working copy, returning the SAN of each
// move as played from the position it was played in.
func sanLine(pos *pgn.GameState, pv []string) ([]string, error) {
	work := pos.Copy()
	sans := make([]string, 0, len(pv))
	for _, uci := range pv {
		mv, err := legalMove(work, uci)
		if err != nil {
			return nil, err
		}
		sans = append(sans, toSAN(work, mv))
		if err := pgn.ApplyMove(work, mv); err != nil {
			return nil, fmt.Errorf("%w: apply %q: %v", ErrMalformedOutput, uci, err)
		}
	}
	return sans, nil
}
