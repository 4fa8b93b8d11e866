package fs

import (
	"io/fs"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"

	"hybridrag/internal/port"
)

// Walker finds chunk files under a root by doublestar include and exclude
// patterns matched against slash-separated relative paths.
type Walker struct {
	includes []string
	excludes []string
}

func NewWalker(includes, excludes []string) *Walker {
	if len(includes) == 0 {
		includes = []string{"**/*.jsonl"}
	}
	return &Walker{
		includes: includes,
		excludes: excludes,
	}
}

// Walk returns the matching files in lexical path order. A root naming a
// single file is returned as is.
func (w *Walker) Walk(root string) ([]port.FileInfo, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	var files []port.FileInfo
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root && !d.IsDir() {
			return appendFile(&files, path, d)
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if path != root && w.excluded(rel+"/") {
				return filepath.SkipDir
			}
			return nil
		}
		if w.included(rel) && !w.excluded(rel) {
			return appendFile(&files, path, d)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

func appendFile(files *[]port.FileInfo, path string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}
	*files = append(*files, port.FileInfo{
		Path:    path,
		ModTime: info.ModTime().Unix(),
		Size:    info.Size(),
	})
	return nil
}

func (w *Walker) included(path string) bool {
	return matchAny(w.includes, path)
}

func (w *Walker) excluded(path string) bool {
	return matchAny(w.excludes, path)
}

func matchAny(patterns []string, path string) bool {
	for _, pattern := range patterns {
		if matched, err := doublestar.Match(pattern, path); err == nil && matched {
			return true
		}
	}
	return false
}
