package loader

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/aristath/procore/internal/isa"
)

func TestBuiltinsAssemble(t *testing.T) {
	r := NewRegistry()
	if err := r.LoadBuiltins(); err != nil {
		t.Fatalf("LoadBuiltins() error = %v", err)
	}

	for _, name := range BuiltinNames() {
		img, ok := r.Resolve(name)
		if !ok {
			t.Errorf("Resolve(%q) not found", name)
			continue
		}
		if img.Entry() != isa.TextBase {
			t.Errorf("%s entry = %#x, want %#x", name, img.Entry(), isa.TextBase)
		}
		if len(img.Program.Text) == 0 {
			t.Errorf("%s has no text", name)
		}
	}

	if got := len(r.Names()); got != len(BuiltinNames()) {
		t.Errorf("Names() has %d entries, want %d", got, len(BuiltinNames()))
	}
}

func TestInitprocSpawnsRegisteredImages(t *testing.T) {
	r := NewRegistry()
	if err := r.LoadBuiltins(); err != nil {
		t.Fatal(err)
	}
	img, _ := r.Resolve("initproc")
	for sym, addr := range img.Program.Symbols {
		if len(sym) < 2 || sym[:2] != "p_" {
			continue
		}
		if _, ok := r.Resolve(sym[2:]); !ok {
			t.Errorf("initproc spawns %q (at %#x), which is not registered", sym[2:], addr)
		}
	}
}

func TestRegisterDuplicate(t *testing.T) {
	r := NewRegistry()
	if err := r.Assemble("x", "main:\n\tnop"); err != nil {
		t.Fatal(err)
	}
	if err := r.Assemble("x", "main:\n\tnop"); !errors.Is(err, ErrDuplicateImage) {
		t.Errorf("second Assemble() error = %v, want ErrDuplicateImage", err)
	}
}

func TestResolveMissing(t *testing.T) {
	r := NewRegistry()
	if img, ok := r.Resolve("nope"); ok || img != nil {
		t.Errorf("Resolve(nope) = %v, %v; want nil, false", img, ok)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.s")
	if err := os.WriteFile(path, []byte("main:\n\tli a0, 3\n\tsys exit\n"), 0644); err != nil {
		t.Fatal(err)
	}

	r := NewRegistry()
	if err := r.LoadFile("custom", path); err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	img, ok := r.Resolve("custom")
	if !ok || len(img.Program.Text) != 3 {
		t.Errorf("custom image = %+v, %v", img, ok)
	}

	if err := r.LoadFile("missing", filepath.Join(dir, "missing.s")); err == nil {
		t.Error("LoadFile(missing) error = nil")
	}

	bad := filepath.Join(dir, "bad.s")
	os.WriteFile(bad, []byte("frob"), 0644)
	var syntaxErr *isa.SyntaxError
	if err := r.LoadFile("bad", bad); !errors.As(err, &syntaxErr) {
		t.Errorf("LoadFile(bad) error = %v, want *isa.SyntaxError", err)
	}
}
