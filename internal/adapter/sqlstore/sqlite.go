// Package sqlstore is a Backend on SQLite (modernc.org/sqlite, no cgo).
// Every mutation runs in one SQL transaction.
package sqlstore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	_ "modernc.org/sqlite" // SQLite driver

	"hybridrag/internal/domain"
	"hybridrag/internal/port"
)

//go:embed schema.sql
var schema string

type Store struct {
	db   *sql.DB
	path string
}

func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("%w: opening database: %w", domain.ErrStorage, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: creating schema: %w", domain.ErrStorage, err)
	}
	return &Store{db: db, path: path}, nil
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) Close() error {
	return s.db.Close()
}

func storageErr(err error) error {
	if err == nil || errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrStorage) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrStorage, err)
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(x))
	}
	return buf
}

func decodeVector(data []byte) []float32 {
	if len(data) == 0 {
		return nil
	}
	v := make([]float32, len(data)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
	}
	return v
}

// withTx runs fn in a transaction and commits only if fn succeeds.
func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr(err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return storageErr(err)
	}
	return storageErr(tx.Commit())
}

func readStats(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}) (domain.StoredStats, error) {
	var stats domain.StoredStats
	err := q.QueryRowContext(ctx, `SELECT n, total_length FROM corpus_stats WHERE id = 1`).Scan(&stats.N, &stats.TotalLength)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.StoredStats{}, nil
	}
	return stats, err
}

func writeStats(ctx context.Context, tx *sql.Tx, stats domain.StoredStats) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO corpus_stats (id, n, total_length) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET n = excluded.n, total_length = excluded.total_length`,
		stats.N, stats.TotalLength)
	return err
}

func insertPostings(ctx context.Context, tx *sql.Tx, chunkID string, terms map[string]int) error {
	if len(terms) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO postings (term, chunk_id, tf) VALUES (?, ?, ?)
		ON CONFLICT(term, chunk_id) DO UPDATE SET tf = excluded.tf`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for term, tf := range terms {
		if _, err := stmt.ExecContext(ctx, term, chunkID, tf); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Apply(ctx context.Context, m port.Mutation) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stats, err := readStats(ctx, tx)
		if err != nil {
			return err
		}

		for _, e := range m.Deletes {
			res, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE id = ?`, e.Chunk.ID)
			if err != nil {
				return err
			}
			if n, err := res.RowsAffected(); err != nil {
				return err
			} else if n == 0 {
				return fmt.Errorf("delete chunk %s: %w", e.Chunk.ID, domain.ErrNotFound)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM postings WHERE chunk_id = ?`, e.Chunk.ID); err != nil {
				return err
			}
			stats.N--
			stats.TotalLength -= e.Length
		}

		for _, e := range m.Puts {
			record := e.Chunk
			record.Vector = nil
			data, err := json.Marshal(record)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO chunks (id, parent_id, record, vector) VALUES (?, ?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET parent_id = excluded.parent_id, record = excluded.record, vector = excluded.vector`,
				e.Chunk.ID, e.Chunk.ParentID, string(data), encodeVector(e.Chunk.Vector))
			if err != nil {
				return err
			}
			if err := insertPostings(ctx, tx, e.Chunk.ID, e.Terms); err != nil {
				return err
			}
			stats.N++
			stats.TotalLength += e.Length
		}

		return writeStats(ctx, tx, stats)
	})
}

func scanChunk(record string, vector []byte) (domain.Chunk, error) {
	var chunk domain.Chunk
	if err := json.Unmarshal([]byte(record), &chunk); err != nil {
		return chunk, err
	}
	chunk.Vector = decodeVector(vector)
	return chunk, nil
}

func (s *Store) Get(ctx context.Context, id string) (domain.Chunk, error) {
	var record string
	var vector []byte
	err := s.db.QueryRowContext(ctx, `SELECT record, vector FROM chunks WHERE id = ?`, id).Scan(&record, &vector)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Chunk{}, fmt.Errorf("chunk %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Chunk{}, storageErr(err)
	}
	chunk, err := scanChunk(record, vector)
	if err != nil {
		return domain.Chunk{}, storageErr(fmt.Errorf("decode chunk %s: %w", id, err))
	}
	return chunk, nil
}

func (s *Store) Children(ctx context.Context, parentID string) ([]string, error) {
	if parentID == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM chunks WHERE parent_id = ? ORDER BY id`, parentID)
	if err != nil {
		return nil, storageErr(err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storageErr(err)
		}
		ids = append(ids, id)
	}
	return ids, storageErr(rows.Err())
}

// ForEach reads all records before visiting them, so fn may use the store.
func (s *Store) ForEach(ctx context.Context, fn func(domain.Chunk) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT record, vector FROM chunks ORDER BY id`)
	if err != nil {
		return storageErr(err)
	}
	var chunks []domain.Chunk
	for rows.Next() {
		var record string
		var vector []byte
		if err := rows.Scan(&record, &vector); err != nil {
			rows.Close()
			return storageErr(err)
		}
		chunk, err := scanChunk(record, vector)
		if err != nil {
			rows.Close()
			return storageErr(err)
		}
		chunks = append(chunks, chunk)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return storageErr(err)
	}

	for _, c := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(c); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ForEachPosting(ctx context.Context, fn func(string, []domain.Posting) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT term, chunk_id, tf FROM postings ORDER BY term, chunk_id`)
	if err != nil {
		return storageErr(err)
	}
	var all []domain.Posting
	for rows.Next() {
		var p domain.Posting
		if err := rows.Scan(&p.Term, &p.ChunkID, &p.TF); err != nil {
			rows.Close()
			return storageErr(err)
		}
		all = append(all, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return storageErr(err)
	}

	for start := 0; start < len(all); {
		end := start
		for end < len(all) && all[end].Term == all[start].Term {
			end++
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(all[start].Term, all[start:end]); err != nil {
			return err
		}
		start = end
	}
	return nil
}

func (s *Store) Stats(ctx context.Context) (domain.StoredStats, error) {
	stats, err := readStats(ctx, s.db)
	return stats, storageErr(err)
}

func (s *Store) RepairPostings(ctx context.Context, chunkID string, terms map[string]int, _ []string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM postings WHERE chunk_id = ?`, chunkID); err != nil {
			return err
		}
		return insertPostings(ctx, tx, chunkID, terms)
	})
}

func (s *Store) ReplaceIndex(ctx context.Context, entries []port.Entry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM postings`); err != nil {
			return err
		}
		var stats domain.StoredStats
		for _, e := range entries {
			if err := insertPostings(ctx, tx, e.Chunk.ID, e.Terms); err != nil {
				return err
			}
			stats.N++
			stats.TotalLength += e.Length
		}
		return writeStats(ctx, tx, stats)
	})
}

func (s *Store) PutStats(ctx context.Context, stats domain.StoredStats) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return writeStats(ctx, tx, stats)
	})
}

func (s *Store) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, storageErr(err)
}

func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return storageErr(err)
}
