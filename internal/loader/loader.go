// Package loader resolves executable image names to assembled programs.
package loader

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/aristath/procore/internal/isa"
)

// ErrDuplicateImage is returned when an image name is registered twice.
var ErrDuplicateImage = errors.New("image already registered")

// Image is a named, loadable program.
type Image struct {
	Name    string
	Program *isa.Program
}

// Entry returns the first user pc of the image.
func (img *Image) Entry() uint64 {
	return img.Program.Entry()
}

// Loader looks up executables by name. Resolve has no side effects.
type Loader interface {
	Resolve(name string) (*Image, bool)
}

// Registry is an in-memory Loader.
type Registry struct {
	mu     sync.RWMutex
	images map[string]*Image
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{images: make(map[string]*Image)}
}

// Register adds img under its name.
func (r *Registry) Register(img *Image) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.images[img.Name]; exists {
		return fmt.Errorf("%q: %w", img.Name, ErrDuplicateImage)
	}
	r.images[img.Name] = img
	return nil
}

// Assemble assembles src and registers the result as name.
func (r *Registry) Assemble(name, src string) error {
	prog, err := isa.Assemble(src)
	if err != nil {
		return fmt.Errorf("assembling image %q: %w", name, err)
	}
	return r.Register(&Image{Name: name, Program: prog})
}

// LoadFile assembles the source file at path and registers it as name.
func (r *Registry) LoadFile(name, path string) error {
	src, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading image %q: %w", name, err)
	}
	return r.Assemble(name, string(src))
}

// Resolve implements Loader.
func (r *Registry) Resolve(name string) (*Image, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	img, ok := r.images[name]
	return img, ok
}

// Names returns the registered image names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.images))
	for name := range r.images {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadBuiltins registers every built-in image.
func (r *Registry) LoadBuiltins() error {
	for _, name := range BuiltinNames() {
		if err := r.Assemble(name, builtins[name]); err != nil {
			return err
		}
	}
	return nil
}
