package catalog

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
)

// Source loads raw template bytes for a signature. Load returns an error
// matching ErrTemplateNotFound when the signature has no template.
type Source interface {
	Load(sig Signature) ([]byte, error)
}

// FSSource reads "<dir>/<vvvv>-<tttt>-<pppp>.yaml" from a file system.
type FSSource struct {
	FS  fs.FS
	Dir string
}

// Load implements Source.
func (s FSSource) Load(sig Signature) ([]byte, error) {
	name := path.Join(s.Dir, sig.FileName())
	data, err := fs.ReadFile(s.FS, name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, sig)
	}
	if err != nil {
		return nil, fmt.Errorf("reading template %s: %w", name, err)
	}
	return data, nil
}

// DirSource reads templates from a directory on disk.
func DirSource(dir string) Source {
	return FSSource{FS: os.DirFS(dir), Dir: "."}
}

//go:embed templates/*.yaml
var builtinFS embed.FS

// Builtin returns the templates compiled into the binary.
func Builtin() Source {
	return FSSource{FS: builtinFS, Dir: "templates"}
}

// Chain tries each source in order and returns the first template found.
type Chain []Source

// Load implements Source.
func (c Chain) Load(sig Signature) ([]byte, error) {
	for _, s := range c {
		data, err := s.Load(sig)
		if errors.Is(err, ErrTemplateNotFound) {
			continue
		}
		return data, err
	}
	return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, sig)
}

// MapSource serves templates from memory.
type MapSource map[Signature][]byte

// Load implements Source.
func (m MapSource) Load(sig Signature) ([]byte, error) {
	data, ok := m[sig]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, sig)
	}
	return data, nil
}
