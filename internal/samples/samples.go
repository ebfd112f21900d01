package samples

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/samber/lo"
)

// ErrUnknownSample reports a sample name that is not in the library.
var ErrUnknownSample = errors.New("samples: unknown sample")

var imageExtensions = []string{".jpg", ".jpeg", ".png"}

// Sample is one bundled demo image.
type Sample struct {
	Name string `json:"name"`
}

// Library exposes the bundled demo images sitting in a directory. The demo
// ships a cat and two dogs, but any JPEG/PNG dropped into the directory shows
// up on the page.
type Library struct {
	dir string
}

// NewLibrary constructs a library over the given directory.
func NewLibrary(dir string) *Library {
	return &Library{dir: dir}
}

// List returns the samples in stable name order. A missing directory is an
// empty library, not an error: the demo still works with uploads only.
func (l *Library) List() ([]Sample, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read samples dir: %w", err)
	}

	images := lo.Filter(entries, func(entry os.DirEntry, _ int) bool {
		return !entry.IsDir() && isImageName(entry.Name())
	})
	names := lo.Map(images, func(entry os.DirEntry, _ int) Sample {
		return Sample{Name: entry.Name()}
	})
	sort.Slice(names, func(i, j int) bool { return names[i].Name < names[j].Name })
	return names, nil
}

// Load returns the raw bytes of a named sample. Names are plain file names;
// anything path-like is rejected.
func (l *Library) Load(name string) ([]byte, error) {
	if name == "" || name != filepath.Base(name) || !isImageName(name) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSample, name)
	}

	data, err := os.ReadFile(filepath.Join(l.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownSample, name)
		}
		return nil, fmt.Errorf("read sample %s: %w", name, err)
	}
	return data, nil
}

func isImageName(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return lo.Contains(imageExtensions, ext)
}
