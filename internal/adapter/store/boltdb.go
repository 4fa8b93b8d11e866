package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"hybridrag/internal/domain"
	"hybridrag/internal/port"
)

var (
	bucketChunks   = []byte("chunks")
	bucketVectors  = []byte("vectors")
	bucketChildren = []byte("children")
	bucketTerms    = []byte("terms")
	bucketStats    = []byte("stats")
	bucketMeta     = []byte("meta")
	keyStats       = []byte("corpus_stats")

	allBuckets = [][]byte{bucketChunks, bucketVectors, bucketChildren, bucketTerms, bucketStats, bucketMeta}
)

// BoltStore is the default durable Backend. Every mutation is one bbolt
// read-write transaction.
type BoltStore struct {
	db *bbolt.DB
}

func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: open bolt db %s: %w", domain.ErrStorage, path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %w", domain.ErrStorage, err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) DB() *bbolt.DB {
	return s.db
}

func storageErr(err error) error {
	if err == nil || errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrStorage) {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrStorage, err)
}

func childKey(parentID, childID string) []byte {
	return []byte(parentID + "\x00" + childID)
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

func readStats(b *bbolt.Bucket) (domain.StoredStats, error) {
	var stats domain.StoredStats
	data := b.Get(keyStats)
	if data == nil {
		return stats, nil
	}
	err := json.Unmarshal(data, &stats)
	return stats, err
}

func writeStats(b *bbolt.Bucket, stats domain.StoredStats) error {
	data, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	return b.Put(keyStats, data)
}

func readPostings(b *bbolt.Bucket, term string) ([]domain.Posting, error) {
	var postings []domain.Posting
	data := b.Get([]byte(term))
	if data == nil {
		return nil, nil
	}
	if err := json.Unmarshal(data, &postings); err != nil {
		return nil, fmt.Errorf("decode postings for %q: %w", term, err)
	}
	return postings, nil
}

// postingEdits collects per-term changes; a negative tf removes the chunk.
type postingEdits map[string]map[string]int

func (e postingEdits) set(term, chunkID string, tf int) {
	m, ok := e[term]
	if !ok {
		m = make(map[string]int)
		e[term] = m
	}
	m[chunkID] = tf
}

func (e postingEdits) apply(b *bbolt.Bucket) error {
	for term, edits := range e {
		postings, err := readPostings(b, term)
		if err != nil {
			return err
		}

		merged := make(map[string]int, len(postings)+len(edits))
		for _, p := range postings {
			merged[p.ChunkID] = p.TF
		}
		for chunkID, tf := range edits {
			if tf < 0 {
				delete(merged, chunkID)
			} else {
				merged[chunkID] = tf
			}
		}

		if len(merged) == 0 {
			if err := b.Delete([]byte(term)); err != nil {
				return err
			}
			continue
		}
		if err := putPostings(b, term, merged); err != nil {
			return err
		}
	}
	return nil
}

func putPostings(b *bbolt.Bucket, term string, byChunk map[string]int) error {
	list := make([]domain.Posting, 0, len(byChunk))
	for chunkID, tf := range byChunk {
		list = append(list, domain.Posting{ChunkID: chunkID, TF: tf})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ChunkID < list[j].ChunkID })
	data, err := json.Marshal(list)
	if err != nil {
		return err
	}
	return b.Put([]byte(term), data)
}

func (s *BoltStore) Apply(ctx context.Context, m port.Mutation) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		chunks := tx.Bucket(bucketChunks)
		vectors := tx.Bucket(bucketVectors)
		children := tx.Bucket(bucketChildren)
		statsBucket := tx.Bucket(bucketStats)

		stats, err := readStats(statsBucket)
		if err != nil {
			return err
		}
		edits := make(postingEdits)

		for _, e := range m.Deletes {
			id := []byte(e.Chunk.ID)
			if chunks.Get(id) == nil {
				return fmt.Errorf("delete chunk %s: %w", e.Chunk.ID, domain.ErrNotFound)
			}
			if err := chunks.Delete(id); err != nil {
				return err
			}
			if err := vectors.Delete(id); err != nil {
				return err
			}
			if e.Chunk.ParentID != "" {
				if err := children.Delete(childKey(e.Chunk.ParentID, e.Chunk.ID)); err != nil {
					return err
				}
			}
			for term := range e.Terms {
				edits.set(term, e.Chunk.ID, -1)
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
			id := []byte(e.Chunk.ID)
			if err := chunks.Put(id, data); err != nil {
				return err
			}
			if err := vectors.Put(id, encodeVector(e.Chunk.Vector)); err != nil {
				return err
			}
			if e.Chunk.ParentID != "" {
				if err := children.Put(childKey(e.Chunk.ParentID, e.Chunk.ID), []byte{}); err != nil {
					return err
				}
			}
			for term, tf := range e.Terms {
				edits.set(term, e.Chunk.ID, tf)
			}
			stats.N++
			stats.TotalLength += e.Length
		}

		if err := edits.apply(tx.Bucket(bucketTerms)); err != nil {
			return err
		}
		return writeStats(statsBucket, stats)
	})
	return storageErr(err)
}

func (s *BoltStore) Get(_ context.Context, id string) (domain.Chunk, error) {
	var chunk domain.Chunk
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		chunk, err = getChunk(tx, id)
		return err
	})
	return chunk, storageErr(err)
}

func getChunk(tx *bbolt.Tx, id string) (domain.Chunk, error) {
	var chunk domain.Chunk
	data := tx.Bucket(bucketChunks).Get([]byte(id))
	if data == nil {
		return chunk, fmt.Errorf("chunk %s: %w", id, domain.ErrNotFound)
	}
	if err := json.Unmarshal(data, &chunk); err != nil {
		return chunk, fmt.Errorf("decode chunk %s: %w", id, err)
	}
	chunk.Vector = decodeVector(tx.Bucket(bucketVectors).Get([]byte(id)))
	return chunk, nil
}

func (s *BoltStore) Children(_ context.Context, parentID string) ([]string, error) {
	var ids []string
	prefix := []byte(parentID + "\x00")
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketChildren).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			ids = append(ids, string(k[len(prefix):]))
		}
		return nil
	})
	return ids, storageErr(err)
}

// ForEach visits chunks inside one read transaction; fn must not write to
// the store.
func (s *BoltStore) ForEach(ctx context.Context, fn func(domain.Chunk) error) error {
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketChunks).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			chunk, err := getChunk(tx, string(k))
			if err != nil {
				return err
			}
			if err := fn(chunk); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return storageErr(err)
}

func (s *BoltStore) ForEachPosting(ctx context.Context, fn func(string, []domain.Posting) error) error {
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTerms)
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			term := string(k)
			postings, err := readPostings(b, term)
			if err != nil {
				return err
			}
			for i := range postings {
				postings[i].Term = term
			}
			if err := fn(term, postings); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return storageErr(err)
}

func (s *BoltStore) Stats(context.Context) (domain.StoredStats, error) {
	var stats domain.StoredStats
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		stats, err = readStats(tx.Bucket(bucketStats))
		return err
	})
	return stats, storageErr(err)
}

func (s *BoltStore) RepairPostings(_ context.Context, chunkID string, terms map[string]int, stale []string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		edits := make(postingEdits)
		for _, term := range stale {
			edits.set(term, chunkID, -1)
		}
		for term, tf := range terms {
			edits.set(term, chunkID, tf)
		}
		return edits.apply(tx.Bucket(bucketTerms))
	})
	return storageErr(err)
}

func (s *BoltStore) ReplaceIndex(_ context.Context, entries []port.Entry) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(bucketTerms); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return err
		}
		terms, err := tx.CreateBucket(bucketTerms)
		if err != nil {
			return err
		}

		byTerm := make(map[string]map[string]int)
		var stats domain.StoredStats
		for _, e := range entries {
			for term, tf := range e.Terms {
				m, ok := byTerm[term]
				if !ok {
					m = make(map[string]int)
					byTerm[term] = m
				}
				m[e.Chunk.ID] = tf
			}
			stats.N++
			stats.TotalLength += e.Length
		}
		for term, byChunk := range byTerm {
			if err := putPostings(terms, term, byChunk); err != nil {
				return err
			}
		}
		return writeStats(tx.Bucket(bucketStats), stats)
	})
	return storageErr(err)
}

func (s *BoltStore) PutStats(_ context.Context, stats domain.StoredStats) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return writeStats(tx.Bucket(bucketStats), stats)
	})
	return storageErr(err)
}

func (s *BoltStore) GetMeta(_ context.Context, key string) (string, error) {
	var value string
	err := s.db.View(func(tx *bbolt.Tx) error {
		value = string(tx.Bucket(bucketMeta).Get([]byte(key)))
		return nil
	})
	return value, storageErr(err)
}

func (s *BoltStore) SetMeta(_ context.Context, key, value string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMeta).Put([]byte(key), []byte(value))
	})
	return storageErr(err)
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
