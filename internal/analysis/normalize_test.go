package analysis

import (
	"encoding/json"
	"errors"
	"math"
	"reflect"
	"testing"

	"github.com/freeeve/chessanalysis/internal/engine"
)

const startFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

func TestNormalize_StartPosition(t *testing.T) {
	infos := []engine.Info{{
		MultiPV:  1,
		Depth:    10,
		Score:    31,
		HasScore: true,
		Nodes:    12345,
		PV:       []string{"e2e4", "e7e5", "g1f3", "b8c6"},
	}}

	rec, err := Normalize(startFEN, infos)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(rec) != 1 {
		t.Fatalf("len(rec) = %d, want 1", len(rec))
	}

	best := rec[0]
	if best.EV == nil || *best.EV != 31 {
		t.Errorf("EV = %v, want 31", best.EV)
	}
	if best.Mate != nil {
		t.Errorf("Mate = %d, want nil", *best.Mate)
	}
	if best.BestMove != "e2e4" || best.BestSAN != "e4" {
		t.Errorf("best move = %s/%s, want e2e4/e4", best.BestMove, best.BestSAN)
	}
	wantSAN := []string{"e4", "e5", "Nf3", "Nc6"}
	if !reflect.DeepEqual(best.PVSAN, wantSAN) {
		t.Errorf("PVSAN = %v, want %v", best.PVSAN, wantSAN)
	}
	if best.Nodes == nil || *best.Nodes != 12345 {
		t.Errorf("Nodes = %v, want 12345", best.Nodes)
	}
	if math.Abs(best.WhiteWDL-0.528505) > 1e-6 {
		t.Errorf("WhiteWDL = %v, want 0.528505", best.WhiteWDL)
	}
}

func TestNormalize_BlackToMoveIsWhitePOV(t *testing.T) {
	fen := "rnbqkbnr/pppppppp/8/8/4P3/8/PPPP1PPP/RNBQKBNR b KQkq e3 0 1"
	infos := []engine.Info{{
		Score:    25, // good for Black, the side to move
		HasScore: true,
		Nodes:    10,
		PV:       []string{"c7c5", "g1f3"},
	}}

	rec, err := Normalize(fen, infos)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if *rec[0].EV != -25 {
		t.Errorf("EV = %d, want -25", *rec[0].EV)
	}
	// Black is 25cp better, so White expects a little under half.
	if math.Abs(rec[0].WhiteWDL-0.477003) > 1e-6 {
		t.Errorf("WhiteWDL = %v, want 0.477003", rec[0].WhiteWDL)
	}
	if rec[0].BestSAN != "c5" || rec[0].PVSAN[1] != "Nf3" {
		t.Errorf("PVSAN = %v, want [c5 Nf3]", rec[0].PVSAN)
	}
}

func TestNormalize_SkipsLinesWithoutPV(t *testing.T) {
	infos := []engine.Info{
		{HasScore: true, Score: 10, Nodes: 99},
		{HasScore: true, Score: 20, Nodes: 500, PV: []string{"d2d4"}},
		{HasScore: true, Score: 15, Nodes: 500, PV: []string{"g1f3"}},
	}

	rec, err := Normalize(startFEN, infos)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(rec) != 2 {
		t.Fatalf("len(rec) = %d, want 2", len(rec))
	}
	if rec[0].BestMove != "d2d4" {
		t.Errorf("best move = %s, want d2d4", rec[0].BestMove)
	}
	if rec[0].Nodes == nil || *rec[0].Nodes != 500 {
		t.Errorf("first line nodes = %v, want 500", rec[0].Nodes)
	}
	if rec[1].Nodes != nil {
		t.Errorf("second line nodes = %d, want unset", *rec[1].Nodes)
	}
}

func TestNormalize_PVWithoutScoreIsMalformed(t *testing.T) {
	infos := []engine.Info{{PV: []string{"e2e4"}, Nodes: 1}}
	_, err := Normalize(startFEN, infos)
	if !errors.Is(err, ErrMalformedOutput) {
		t.Fatalf("err = %v, want ErrMalformedOutput", err)
	}
}

func TestNormalize_IllegalMoveIsMalformed(t *testing.T) {
	infos := []engine.Info{{HasScore: true, PV: []string{"e2e5"}}}
	_, err := Normalize(startFEN, infos)
	if !errors.Is(err, ErrMalformedOutput) {
		t.Fatalf("err = %v, want ErrMalformedOutput", err)
	}
}

func TestNormalize_NoCompletedLines(t *testing.T) {
	_, err := Normalize(startFEN, []engine.Info{{HasScore: true, Score: 3}})
	if !errors.Is(err, ErrMalformedOutput) {
		t.Fatalf("err = %v, want ErrMalformedOutput", err)
	}
	_, err = Normalize(startFEN, nil)
	if !errors.Is(err, ErrMalformedOutput) {
		t.Fatalf("err = %v, want ErrMalformedOutput", err)
	}
}

func TestNormalize_Mate(t *testing.T) {
	// Black to move is mated in one by Qh4#... from Black's side: fool's mate.
	fen := "rnbqkbnr/pppp1ppp/8/4p3/6P1/5P2/PPPPP2P/RNBQKBNR b KQkq g3 0 2"
	infos := []engine.Info{{
		Score:    1,
		Mate:     true,
		HasScore: true,
		Nodes:    42,
		PV:       []string{"d8h4"},
	}}

	rec, err := Normalize(fen, infos)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	line := rec[0]
	if line.EV != nil {
		t.Errorf("EV = %d, want nil for a mate", *line.EV)
	}
	if line.Mate == nil || *line.Mate != -1 {
		t.Errorf("Mate = %v, want -1 (Black mates)", line.Mate)
	}
	if line.WhiteWDL != 0 {
		t.Errorf("WhiteWDL = %v, want 0", line.WhiteWDL)
	}
	if line.BestSAN != "Qh4#" {
		t.Errorf("BestSAN = %q, want Qh4#", line.BestSAN)
	}
}

func TestWhiteExpectation_ScoreModel(t *testing.T) {
	even := whiteExpectation(engine.Info{HasScore: true}, false)
	if math.Abs(even-0.5) > 1e-9 {
		t.Errorf("expectation(0cp) = %v, want 0.5", even)
	}
	up := whiteExpectation(engine.Info{HasScore: true, Score: 300}, false)
	down := whiteExpectation(engine.Info{HasScore: true, Score: 300}, true)
	if up <= 0.5 || up >= 1 {
		t.Errorf("expectation(+300 white) = %v, want in (0.5, 1)", up)
	}
	if math.Abs(up+down-1) > 1e-9 {
		t.Errorf("expectations %v and %v should be symmetric", up, down)
	}
}

func TestRecord_JSONFieldNames(t *testing.T) {
	rec, err := Normalize(startFEN, []engine.Info{{HasScore: true, Score: 5, Nodes: 7, PV: []string{"e2e4"}}})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var raw []map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	for _, field := range []string{"ev", "white_wdl", "best_move", "best_san", "pv_san", "pv", "nodes"} {
		if _, ok := raw[0][field]; !ok {
			t.Errorf("field %q missing from %s", field, data)
		}
	}
	if _, ok := raw[0]["mate"]; ok {
		t.Errorf("mate present for a centipawn line: %s", data)
	}
}
