// Package symbols maintains the classification matrix for the exported
// call surface.
//
// Every intercepted symbol is classified as Implemented, RawSyscall,
// GlibcCallThrough or Stub. The matrix is maintained outside the core
// and loaded as YAML; the package only enforces its shape and the hard
// contract that a Stub-classified symbol resolves to a deterministic
// errno instead of undefined behavior.
package symbols

import (
	"errors"
	"fmt"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"golang.org/x/sys/unix"
)

var (
	ErrBadMatrix     = errors.New("symbols: malformed classification matrix")
	ErrUnknownClass  = errors.New("symbols: unknown symbol class")
	ErrDuplicateName = errors.New("symbols: duplicate symbol name")
)

// Class is the externally assigned implementation status of a symbol.
type Class uint8

const (
	Implemented Class = iota
	RawSyscall
	GlibcCallThrough
	Stub
)

func (c Class) String() string {
	switch c {
	case Implemented:
		return "implemented"
	case RawSyscall:
		return "raw_syscall"
	case GlibcCallThrough:
		return "glibc_call_through"
	case Stub:
		return "stub"
	default:
		return "unknown"
	}
}

// ParseClass is the inverse of String.
func ParseClass(s string) (Class, error) {
	switch s {
	case "implemented":
		return Implemented, nil
	case "raw_syscall":
		return RawSyscall, nil
	case "glibc_call_through":
		return GlibcCallThrough, nil
	case "stub":
		return Stub, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownClass, s)
	}
}

// StubErrno is the deterministic error a Stub-classified symbol must
// return. Fixed for the life of the matrix format.
const StubErrno = unix.ENOSYS

// Entry is one row of the matrix. ID is the dense index assigned at
// load time, stable for the lifetime of the table; the kernel uses it
// as the call-site identity.
type Entry struct {
	Name  string
	ID    uint32
	Class Class
}

// Table is an immutable, loaded matrix.
type Table struct {
	version string
	byName  map[string]Entry
	entries []Entry
}

type matrixFile struct {
	Version string `koanf:"version"`
	Symbols []struct {
		Name  string `koanf:"name"`
		Class string `koanf:"class"`
	} `koanf:"symbols"`
}

// Load parses a YAML matrix. Order in the file fixes the symbol IDs.
func Load(data []byte) (*Table, error) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadMatrix, err)
	}
	var mf matrixFile
	if err := k.Unmarshal("", &mf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadMatrix, err)
	}
	if len(mf.Symbols) == 0 {
		return nil, fmt.Errorf("%w: no symbols", ErrBadMatrix)
	}

	t := &Table{
		version: mf.Version,
		byName:  make(map[string]Entry, len(mf.Symbols)),
		entries: make([]Entry, 0, len(mf.Symbols)),
	}
	for i, row := range mf.Symbols {
		if row.Name == "" {
			return nil, fmt.Errorf("%w: empty name at index %d", ErrBadMatrix, i)
		}
		if _, dup := t.byName[row.Name]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateName, row.Name)
		}
		class, err := ParseClass(row.Class)
		if err != nil {
			return nil, fmt.Errorf("symbol %q: %w", row.Name, err)
		}
		e := Entry{Name: row.Name, ID: uint32(i), Class: class}
		t.byName[row.Name] = e
		t.entries = append(t.entries, e)
	}
	return t, nil
}

// Default returns the built-in matrix for the versioned call surface.
func Default() *Table {
	t, err := Load([]byte(defaultMatrix))
	if err != nil {
		// The embedded matrix is covered by tests; a parse failure here
		// is a build defect, not a runtime condition.
		panic(err)
	}
	return t
}

// Version is the matrix format/content version string.
func (t *Table) Version() string { return t.version }

// Lookup resolves a symbol name.
func (t *Table) Lookup(name string) (Entry, bool) {
	e, ok := t.byName[name]
	return e, ok
}

// ByID resolves a symbol by its dense index.
func (t *Table) ByID(id uint32) (Entry, bool) {
	if int(id) >= len(t.entries) {
		return Entry{}, false
	}
	return t.entries[id], true
}

// Entries returns the matrix rows in ID order. The slice is shared;
// callers must not mutate it.
func (t *Table) Entries() []Entry { return t.entries }

// Len is the number of classified symbols.
func (t *Table) Len() int { return len(t.entries) }

const defaultMatrix = `
version: "1"
symbols:
  - {name: malloc, class: implemented}
  - {name: free, class: implemented}
  - {name: free_sized, class: implemented}
  - {name: calloc, class: implemented}
  - {name: realloc, class: implemented}
  - {name: reallocarray, class: implemented}
  - {name: posix_memalign, class: implemented}
  - {name: aligned_alloc, class: implemented}
  - {name: malloc_usable_size, class: implemented}
  - {name: memcpy, class: implemented}
  - {name: memmove, class: implemented}
  - {name: memset, class: implemented}
  - {name: memcmp, class: implemented}
  - {name: strcpy, class: implemented}
  - {name: strncpy, class: implemented}
  - {name: strcat, class: implemented}
  - {name: strlen, class: implemented}
  - {name: strdup, class: implemented}
  - {name: read, class: raw_syscall}
  - {name: write, class: raw_syscall}
  - {name: open, class: raw_syscall}
  - {name: close, class: raw_syscall}
  - {name: lseek, class: raw_syscall}
  - {name: mmap, class: raw_syscall}
  - {name: munmap, class: raw_syscall}
  - {name: mprotect, class: raw_syscall}
  - {name: getpid, class: raw_syscall}
  - {name: getenv, class: glibc_call_through}
  - {name: setenv, class: glibc_call_through}
  - {name: printf, class: glibc_call_through}
  - {name: fprintf, class: glibc_call_through}
  - {name: fopen, class: glibc_call_through}
  - {name: fclose, class: glibc_call_through}
  - {name: qsort, class: glibc_call_through}
  - {name: bsearch, class: glibc_call_through}
  - {name: dlopen, class: stub}
  - {name: dlsym, class: stub}
  - {name: backtrace, class: stub}
  - {name: backtrace_symbols, class: stub}
  - {name: mallinfo, class: stub}
  - {name: malloc_trim, class: stub}
  - {name: malloc_stats, class: stub}
`
