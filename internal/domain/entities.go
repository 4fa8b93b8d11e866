package domain

import (
	"fmt"
	"strings"
	"time"
)

// Level is the position of a chunk in the document hierarchy.
type Level int

const (
	LevelUnknown Level = iota
	LevelTitle
	LevelSection
	LevelParagraph
	LevelTable
)

var levelNames = map[Level]string{
	LevelTitle:     "title",
	LevelSection:   "section",
	LevelParagraph: "paragraph",
	LevelTable:     "table",
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// Rank orders levels for the parent relation: a parent must have a strictly
// higher rank than its children. Paragraph and Table share the lowest rank.
func (l Level) Rank() int {
	switch l {
	case LevelTitle:
		return 3
	case LevelSection:
		return 2
	case LevelParagraph, LevelTable:
		return 1
	default:
		return 0
	}
}

func (l Level) Valid() bool {
	return l.Rank() > 0
}

func ParseLevel(s string) (Level, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for level, n := range levelNames {
		if n == name {
			return level, nil
		}
	}
	return LevelUnknown, fmt.Errorf("%w: unknown level %q", ErrValidation, s)
}

func (l Level) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("%w: unknown level %d", ErrValidation, int(l))
	}
	return []byte(l.String()), nil
}

func (l *Level) UnmarshalText(text []byte) error {
	parsed, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Chunk is the atomic retrievable unit. Chunks are immutable once stored;
// replacing one means putting a new value under the same ID.
type Chunk struct {
	ID       string            `json:"id"`
	Level    Level             `json:"level"`
	Text     string            `json:"text"`
	ParentID string            `json:"parent_id,omitempty"`
	Position int               `json:"position"`
	Vector   []float32         `json:"vector,omitempty"`
	Terms    map[string]int    `json:"terms,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy of the chunk.
func (c Chunk) Clone() Chunk {
	out := c
	if c.Vector != nil {
		out.Vector = append([]float32(nil), c.Vector...)
	}
	if c.Terms != nil {
		out.Terms = make(map[string]int, len(c.Terms))
		for k, v := range c.Terms {
			out.Terms[k] = v
		}
	}
	if c.Metadata != nil {
		out.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// Equal reports whether two chunks carry identical content.
func (c Chunk) Equal(o Chunk) bool {
	if c.ID != o.ID || c.Level != o.Level || c.Text != o.Text ||
		c.ParentID != o.ParentID || c.Position != o.Position {
		return false
	}
	if len(c.Vector) != len(o.Vector) || len(c.Terms) != len(o.Terms) || len(c.Metadata) != len(o.Metadata) {
		return false
	}
	for i := range c.Vector {
		if c.Vector[i] != o.Vector[i] {
			return false
		}
	}
	for k, v := range c.Terms {
		if ov, ok := o.Terms[k]; !ok || ov != v {
			return false
		}
	}
	for k, v := range c.Metadata {
		if ov, ok := o.Metadata[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

type Posting struct {
	Term    string `json:"-"`
	ChunkID string `json:"chunk_id"`
	TF      int    `json:"tf"`
}

// CorpusStats is a consistent snapshot of the sparse index statistics.
type CorpusStats struct {
	N           int     `json:"n"`
	TotalLength int     `json:"total_length"`
	AvgDL       float64 `json:"avgdl"`
	Terms       int     `json:"terms"`
}

// StoredStats are the corpus statistics persisted next to the postings.
type StoredStats struct {
	N           int `json:"n"`
	TotalLength int `json:"total_length"`
}

type Hit struct {
	ChunkID string
	Score   float64
}

// RankedList is the ordered output of one retrieval path.
type RankedList struct {
	Name string
	IDs  []string
}

type FusedResult struct {
	ChunkID     string         `json:"chunk_id"`
	Score       float64        `json:"fused_score"`
	Rank        int            `json:"rank"`
	SourceLists []string       `json:"source_lists"`
	SourceRanks map[string]int `json:"source_ranks"`
}

type QueryRequest struct {
	Vector []float32
	Terms  []string
	TopK   int
	// KRRF overrides the configured fusion constant when positive.
	KRRF float64
}

type PathFailure struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

type QueryResult struct {
	RequestID   string           `json:"request_id"`
	Results     []FusedResult    `json:"results"`
	Context     AssembledContext `json:"context"`
	Degraded    bool             `json:"degraded"`
	FailedPaths []PathFailure    `json:"failed_paths,omitempty"`
	Elapsed     time.Duration    `json:"elapsed"`
}

type IngestResult struct {
	ChunksIndexed int           `json:"chunks_indexed"`
	TablesIndexed int           `json:"tables_indexed"`
	Unchanged     int           `json:"unchanged"`
	Elapsed       time.Duration `json:"elapsed"`
}

type Answer struct {
	Text      string   `json:"text"`
	Citations []string `json:"citations"`
	Grounded  bool     `json:"grounded"`
}

// StoreStats summarises the chunk store and both indexes.
type StoreStats struct {
	Chunks     int         `json:"chunks"`
	Dense      int         `json:"dense"`
	Sparse     CorpusStats `json:"sparse"`
	Generation uint64      `json:"generation"`
}

// CheckReport lists divergences found by a consistency sweep.
type CheckReport struct {
	Chunks           int      `json:"chunks"`
	RepairedPostings []string `json:"repaired_postings,omitempty"`
	OrphanPostings   []string `json:"orphan_postings,omitempty"`
	MissingDense     []string `json:"missing_dense,omitempty"`
	OrphanDense      []string `json:"orphan_dense,omitempty"`
	MissingSparse    []string `json:"missing_sparse,omitempty"`
	OrphanSparse     []string `json:"orphan_sparse,omitempty"`
	StatsRepaired    bool     `json:"stats_repaired"`
	Failed           []string `json:"failed,omitempty"`
}

func (r *CheckReport) Clean() bool {
	return len(r.RepairedPostings) == 0 && len(r.OrphanPostings) == 0 &&
		len(r.MissingDense) == 0 && len(r.OrphanDense) == 0 &&
		len(r.MissingSparse) == 0 && len(r.OrphanSparse) == 0 &&
		!r.StatsRepaired && len(r.Failed) == 0
}
