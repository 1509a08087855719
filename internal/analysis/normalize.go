package analysis

import (
	"fmt"
	"math"
	"strings"

	"github.com/freeeve/pgn/v3"

	"github.com/freeeve/chessanalysis/internal/engine"
)

// winRateScale converts centipawns to an expected score.
const winRateScale = 0.00368208

// Normalize converts raw engine lines for fen into a Record. Lines without a
// principal variation are still being searched and are skipped. Node count
// is attached to the first completed line only.
func Normalize(fen string, infos []engine.Info) (Record, error) {
	pos, err := pgn.NewGame(fen)
	if err != nil {
		return nil, fmt.Errorf("load position %q: %w", fen, err)
	}
	blackToMove := sideToMoveIsBlack(fen)

	rec := make(Record, 0, len(infos))
	for i, info := range infos {
		if len(info.PV) == 0 {
			continue
		}
		if !info.HasScore {
			return nil, fmt.Errorf("%w: line %d has a principal variation but no score", ErrMalformedOutput, i)
		}

		sans, err := sanLine(pos, info.PV)
		if err != nil {
			return nil, err
		}

		line := Line{
			WhiteWDL: whiteExpectation(info, blackToMove),
			BestMove: info.PV[0],
			BestSAN:  sans[0],
			PVSAN:    sans,
			PV:       append([]string(nil), info.PV...),
		}

		score := info.Score
		if blackToMove {
			score = -score
		}
		if info.Mate {
			line.Mate = &score
		} else {
			line.EV = &score
		}

		if len(rec) == 0 {
			nodes := info.Nodes
			line.Nodes = &nodes
		}
		rec = append(rec, line)
	}

	if len(rec) == 0 {
		return nil, fmt.Errorf("%w: no completed lines", ErrMalformedOutput)
	}
	return rec, nil
}

// whiteExpectation returns White's expected score for a line, derived from
// the score with a logistic win-rate model.
func whiteExpectation(info engine.Info, blackToMove bool) float64 {
	var e float64
	switch {
	case info.Mate:
		// Positive mate: side to move mates. Zero or negative: it is mated.
		if info.Score > 0 {
			e = 1
		} else {
			e = 0
		}
	default:
		e = 1 / (1 + math.Exp(-winRateScale*float64(info.Score)))
	}
	if blackToMove {
		e = 1 - e
	}
	return e
}

func sideToMoveIsBlack(fen string) bool {
	fields := strings.Fields(fen)
	return len(fields) > 1 && fields[1] == "b"
}
