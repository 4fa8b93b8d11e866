package port

// FileInfo describes a file found while scanning for input.
type FileInfo struct {
	Path    string
	ModTime int64
	Size    int64
}
