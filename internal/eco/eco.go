// Package eco names the opening of a position from ECO (Encyclopedia of
// Chess Openings) tables.
package eco

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/freeeve/pgn/v3"
)

// Opening is an ECO classification.
type Opening struct {
	ECO  string `json:"eco"`
	Name string `json:"name"`
}

// Database maps positions, by placement, side and castling rights, to
// openings. The en passant square is left out because FEN writers disagree
// on when to set it.
type Database struct {
	byPosition map[string]Opening
}

// NewDatabase creates an empty database.
func NewDatabase() *Database {
	return &Database{byPosition: make(map[string]Opening)}
}

// moveNumberRegex matches move numbers like "1." or "12..."
var moveNumberRegex = regexp.MustCompile(`\d+\.+\s*`)

// LoadDir loads all .tsv files from a directory.
func (db *Database) LoadDir(dir string) error {
	files, err := filepath.Glob(filepath.Join(dir, "*.tsv"))
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no .tsv files found in %s", dir)
	}

	for _, file := range files {
		if err := db.LoadFile(file); err != nil {
			return fmt.Errorf("load %s: %w", file, err)
		}
	}
	return nil
}

// LoadFile loads a single TSV file.
func (db *Database) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return db.Load(f)
}

// Load reads "eco<TAB>name<TAB>moves" lines. Lines whose moves do not
// parse are skipped.
func (db *Database) Load(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Text()

		// Skip header
		if lineNum == 1 && strings.HasPrefix(line, "eco\t") {
			continue
		}

		parts := strings.SplitN(line, "\t", 3)
		if len(parts) != 3 {
			continue
		}

		pos := pgn.NewStartingPosition()
		if err := applyMoves(pos, parts[2]); err != nil {
			continue
		}
		db.byPosition[canonical(pos.ToFEN())] = Opening{ECO: parts[0], Name: parts[1]}
	}

	return scanner.Err()
}

// applyMoves plays SAN moves like "1. e4 e5 2. Nf3 Nc6" on pos.
func applyMoves(pos *pgn.GameState, pgnMoves string) error {
	cleaned := moveNumberRegex.ReplaceAllString(pgnMoves, "")

	for _, san := range strings.Fields(cleaned) {
		// Skip annotations
		if san[0] == '$' || san[0] == '{' {
			continue
		}
		san = strings.TrimRight(san, "+#")

		mv, err := pgn.ParseSAN(pos, san)
		if err != nil {
			return fmt.Errorf("parse %q: %w", san, err)
		}
		if err := pgn.ApplyMove(pos, mv); err != nil {
			return fmt.Errorf("apply %q: %w", san, err)
		}
	}
	return nil
}

func canonical(fen string) string {
	fields := strings.Fields(fen)
	if len(fields) > 3 {
		fields = fields[:3]
	}
	return strings.Join(fields, " ")
}

// Lookup returns the opening reached at fen, or nil.
func (db *Database) Lookup(fen string) *Opening {
	if db == nil {
		return nil
	}
	if o, ok := db.byPosition[canonical(fen)]; ok {
		return &o
	}
	return nil
}

// Count returns the number of positions with a name.
func (db *Database) Count() int {
	return len(db.byPosition)
}
