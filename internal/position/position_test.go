package position

import (
	"errors"
	"strings"
	"testing"
)

const startFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

func TestNewKey_StartPosition(t *testing.T) {
	key, err := NewKey(startFEN, 10)
	if err != nil {
		t.Fatalf("NewKey: %v", err)
	}
	want := "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq -|10"
	if got := key.String(); got != want {
		t.Errorf("key = %q, want %q", got, want)
	}
	if key.Position.FEN != startFEN {
		t.Errorf("FEN = %q, want original description", key.Position.FEN)
	}
}

func TestNewKey_IgnoresMoveClocks(t *testing.T) {
	variants := []string{
		"rnbqkbnr/pppppppp/8/8/4P3/8/PPPP1PPP/RNBQKBNR b KQkq e3 0 1",
		"rnbqkbnr/pppppppp/8/8/4P3/8/PPPP1PPP/RNBQKBNR b KQkq e3 12 40",
		"rnbqkbnr/pppppppp/8/8/4P3/8/PPPP1PPP/RNBQKBNR b KQkq e3",
	}

	var first string
	for i, fen := range variants {
		key, err := NewKey(fen, 20)
		if err != nil {
			t.Fatalf("NewKey(%q): %v", fen, err)
		}
		if i == 0 {
			first = key.String()
			continue
		}
		if key.String() != first {
			t.Errorf("key(%q) = %q, want %q", fen, key.String(), first)
		}
	}
}

func TestNewKey_DepthQualifies(t *testing.T) {
	a, err := NewKey(startFEN, 10)
	if err != nil {
		t.Fatalf("NewKey: %v", err)
	}
	b, err := NewKey(startFEN, 11)
	if err != nil {
		t.Fatalf("NewKey: %v", err)
	}
	if a.String() == b.String() {
		t.Errorf("keys for different depths collide: %q", a.String())
	}
}

func TestNewKey_Bounds(t *testing.T) {
	tests := []struct {
		name  string
		fen   string
		depth int
		ok    bool
	}{
		{"depth 1", startFEN, 1, true},
		{"depth 99", startFEN, 99, true},
		{"depth 0", startFEN, 0, false},
		{"depth 100", startFEN, 100, false},
		{"negative depth", startFEN, -3, false},
		{"length 9", strings.Repeat("8", 9), 10, false},
		{"length 81", "8/8/8/8/8/8/8/8 w - - 0 1" + strings.Repeat(" ", 56), 10, false},
		{"seven fields", "8/8/8/8/8/8/8/K6k w - - 0 1 x", 10, false},
		{"three fields", "8/8/8/8/8/8/8/K6k w -", 10, false},
		{"bad side", "8/8/8/8/8/8/8/K6k x - - 0 1", 10, false},
		{"bare kings", "8/8/8/8/8/8/8/K6k w - - 0 1", 10, true},
		{"empty board", "8/8/8/8/8/8/8/8 w - - 0 1", 10, false},
		{"no black king", "8/8/8/8/8/8/8/K7 w - - 0 1", 10, false},
		{"two white kings", "k7/8/8/8/8/8/8/K6K w - - 0 1", 10, false},
		{"33 pieces", "rnbqkbnr/pppppppp/8/8/4N3/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1", 10, false},
		{"40 pieces", "rnbqkbnr/pppppppp/pppp4/8/8/PPPP4/PPPPPPPP/RNBQKBNR w KQkq - 0 1", 10, false},
		{"side not to move in check", "4k3/8/8/8/8/8/8/K3R3 w - - 0 1", 10, false},
		{"side to move in check", "4k3/8/8/8/8/8/8/4K2r w - - 0 1", 10, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewKey(tt.fen, tt.depth)
			if tt.ok && err != nil {
				t.Fatalf("NewKey: %v", err)
			}
			if !tt.ok {
				if err == nil {
					t.Fatal("NewKey succeeded, want error")
				}
				if !errors.Is(err, ErrInvalidInput) {
					t.Errorf("err = %v, want ErrInvalidInput", err)
				}
			}
		})
	}
}

func TestParse_Length81(t *testing.T) {
	fen := "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"
	padded := fen + strings.Repeat(" ", 81-len(fen))
	if len(padded) != 81 {
		t.Fatalf("len = %d, want 81", len(padded))
	}
	if _, err := Parse(padded); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("Parse(len 81) err = %v, want ErrInvalidInput", err)
	}
}

func TestParseDepth(t *testing.T) {
	tests := []struct {
		in   string
		want int
		ok   bool
	}{
		{"10", 10, true},
		{" 99 ", 99, true},
		{"", 0, false},
		{"abc", 0, false},
		{"100", 0, false},
		{"0", 0, false},
	}
	for _, tt := range tests {
		got, err := ParseDepth(tt.in)
		if tt.ok {
			if err != nil {
				t.Errorf("ParseDepth(%q): %v", tt.in, err)
				continue
			}
			if got != tt.want {
				t.Errorf("ParseDepth(%q) = %d, want %d", tt.in, got, tt.want)
			}
			continue
		}
		if !errors.Is(err, ErrInvalidInput) {
			t.Errorf("ParseDepth(%q) err = %v, want ErrInvalidInput", tt.in, err)
		}
	}
}

func TestPosition_BlackToMove(t *testing.T) {
	pos, err := Parse("rnbqkbnr/pppppppp/8/8/4P3/8/PPPP1PPP/RNBQKBNR b KQkq e3 0 1")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !pos.BlackToMove() {
		t.Error("BlackToMove = false, want true")
	}
}
