// Package filekit defines the file-like value the rest of the engine
// accepts as input: anything with a name, content type, size and a way to
// open its bytes. This is the Go analogue of the source's {name, type,
// lastModified, arrayBuffer()/bytes()/stream()} capability.
package filekit

import (
	"bytes"
	"io"
	"os"
	"time"

	"github.com/filesyncd/filesync/internal/utils"
)

// File is anything that can be saved through the engine.
type File interface {
	Name() string
	ContentType() string
	Size() int64
	ModTime() time.Time
	// Open returns a fresh reader over the file's bytes. Callers must Close it.
	Open() (io.ReadCloser, error)
}

// Bytes is an in-memory File.
type Bytes struct {
	name    string
	ctype   string
	data    []byte
	modTime time.Time
}

// NewBytes wraps an in-memory buffer as a File.
func NewBytes(name string, data []byte) *Bytes {
	return &Bytes{
		name:    name,
		ctype:   utils.DetectContentType(name),
		data:    data,
		modTime: time.Now(),
	}
}

// NewBytesWithType is NewBytes with an explicit content type.
func NewBytesWithType(name, contentType string, data []byte) *Bytes {
	b := NewBytes(name, data)
	b.ctype = contentType
	return b
}

func (b *Bytes) Name() string         { return b.name }
func (b *Bytes) ContentType() string  { return b.ctype }
func (b *Bytes) Size() int64          { return int64(len(b.data)) }
func (b *Bytes) ModTime() time.Time   { return b.modTime }
func (b *Bytes) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(b.data)), nil
}

// Path is a File backed by a path on the local filesystem, read lazily so
// large files are never fully buffered in memory.
type Path struct {
	name    string
	ctype   string
	path    string
	size    int64
	modTime time.Time
}

// NewPath stats the file at path and wraps it as a File.
func NewPath(path string) (*Path, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	return &Path{
		name:    info.Name(),
		ctype:   utils.DetectContentType(info.Name()),
		path:    path,
		size:    info.Size(),
		modTime: info.ModTime(),
	}, nil
}

func (p *Path) Name() string        { return p.name }
func (p *Path) ContentType() string { return p.ctype }
func (p *Path) Size() int64         { return p.size }
func (p *Path) ModTime() time.Time  { return p.modTime }
func (p *Path) Open() (io.ReadCloser, error) {
	return os.Open(p.path)
}
