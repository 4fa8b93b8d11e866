package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"

	"hybridrag/config"
	"hybridrag/internal/domain"
	"hybridrag/internal/port"
)

// CurrentSchemaVersion is the current schema version.
// Increment this when making breaking changes to the postings format.
const CurrentSchemaVersion = 1

const (
	MetaSchemaVersion = "schema_version"
	MetaConfigHash    = "config_hash"
	MetaDimension     = "dimension"
)

// SchemaInfo is what a backend records about the index that wrote it.
type SchemaInfo struct {
	Version    int
	ConfigHash string
	Dimension  int
}

// GetSchemaInfo reads the schema info recorded in the backend.
func GetSchemaInfo(ctx context.Context, b port.Backend) (*SchemaInfo, error) {
	var info SchemaInfo
	for key, dst := range map[string]*int{MetaSchemaVersion: &info.Version, MetaDimension: &info.Dimension} {
		raw, err := b.GetMeta(ctx, key)
		if err != nil {
			return nil, err
		}
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid %s %q", domain.ErrStorage, key, raw)
		}
		*dst = n
	}

	hash, err := b.GetMeta(ctx, MetaConfigHash)
	if err != nil {
		return nil, err
	}
	info.ConfigHash = hash
	return &info, nil
}

// SetSchemaInfo records the schema info in the backend.
func SetSchemaInfo(ctx context.Context, b port.Backend, info *SchemaInfo) error {
	if err := b.SetMeta(ctx, MetaSchemaVersion, strconv.Itoa(info.Version)); err != nil {
		return err
	}
	if err := b.SetMeta(ctx, MetaDimension, strconv.Itoa(info.Dimension)); err != nil {
		return err
	}
	return b.SetMeta(ctx, MetaConfigHash, info.ConfigHash)
}

// ComputeConfigHash computes a hash of the configuration that shapes the
// persisted postings. Changes to this hash mean the postings must be rebuilt
// from the chunk records.
func ComputeConfigHash(cfg *config.Config) string {
	relevant := struct {
		Stemming  bool `json:"stemming"`
		Stopwords bool `json:"stopwords"`
		MinLength int  `json:"min_length"`
	}{
		Stemming:  cfg.Sparse.Stemming,
		Stopwords: cfg.Sparse.Stopwords,
		MinLength: cfg.Sparse.MinTermLength,
	}

	data, _ := json.Marshal(relevant)
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:8])
}

// MigrationResult describes the result of a migration check.
type MigrationResult struct {
	NeedsRebuild bool
	OldVersion   int
	NewVersion   int
	Reason       string
}

// CheckMigration decides whether the persisted postings can be trusted as
// they are. A dimension change is refused outright while chunks exist,
// because stored vectors cannot be converted.
func CheckMigration(ctx context.Context, b port.Backend, cfg *config.Config) (*MigrationResult, error) {
	info, err := GetSchemaInfo(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("read schema info: %w", err)
	}
	stats, err := b.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("read corpus stats: %w", err)
	}

	result := &MigrationResult{
		OldVersion: info.Version,
		NewVersion: CurrentSchemaVersion,
	}

	if stats.N > 0 && info.Dimension != 0 && info.Dimension != cfg.Dense.Dimension {
		return nil, fmt.Errorf("%w: index holds %d-dimensional vectors, configuration asks for %d",
			domain.ErrDimensionMismatch, info.Dimension, cfg.Dense.Dimension)
	}

	switch {
	case info.Version > CurrentSchemaVersion:
		return nil, fmt.Errorf("%w: database created by newer version (v%d > v%d)",
			domain.ErrStorage, info.Version, CurrentSchemaVersion)
	case stats.N == 0:
		return result, nil
	case info.Version < CurrentSchemaVersion:
		result.NeedsRebuild = true
		result.Reason = fmt.Sprintf("schema upgrade from v%d to v%d", info.Version, CurrentSchemaVersion)
	case info.ConfigHash != ComputeConfigHash(cfg):
		result.NeedsRebuild = true
		result.Reason = "index configuration changed"
	}
	return result, nil
}

// Migrate records the current schema version and configuration. Call it
// after the chunk store has opened, and so rebuilt anything CheckMigration
// asked for.
func Migrate(ctx context.Context, b port.Backend, cfg *config.Config) error {
	return SetSchemaInfo(ctx, b, &SchemaInfo{
		Version:    CurrentSchemaVersion,
		ConfigHash: ComputeConfigHash(cfg),
		Dimension:  cfg.Dense.Dimension,
	})
}
