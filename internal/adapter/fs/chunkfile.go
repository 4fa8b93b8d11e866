package fs

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"hybridrag/internal/domain"
)

// maxRecordSize bounds one JSONL line; a 3072-dimension vector with its text
// fits comfortably.
const maxRecordSize = 16 << 20

// ReadChunks decodes one chunk per non-blank line.
func ReadChunks(r io.Reader) ([]domain.Chunk, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordSize)

	var chunks []domain.Chunk
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var c domain.Chunk
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("line %d: %w: %v", line, domain.ErrValidation, err)
		}
		chunks = append(chunks, c)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("line %d: %w", line+1, err)
	}
	return chunks, nil
}

func ReadChunkFile(path string) ([]domain.Chunk, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	chunks, err := ReadChunks(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return chunks, nil
}

// WriteChunks encodes chunks as JSONL.
func WriteChunks(w io.Writer, chunks []domain.Chunk) error {
	enc := json.NewEncoder(w)
	for _, c := range chunks {
		if err := enc.Encode(c); err != nil {
			return err
		}
	}
	return nil
}
