package validate

import (
	"github.com/joshuapare/membrane/membrane/arena"
)

// Op is the kind of operation an access is attempting. It disambiguates
// verdicts for dead records: freeing a dead address is a double free,
// touching one is a use after free.
type Op uint8

const (
	OpRead Op = iota
	OpWrite
	OpFree
	OpRealloc
)

func (o Op) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpFree:
		return "free"
	case OpRealloc:
		return "realloc"
	default:
		return "unknown"
	}
}

// Verdict is the classification of one access.
type Verdict uint8

const (
	Valid Verdict = iota
	UseAfterFree
	DoubleFree
	OutOfBounds
	ForeignPointer
	SizeMismatch
)

func (v Verdict) String() string {
	switch v {
	case Valid:
		return "valid"
	case UseAfterFree:
		return "use_after_free"
	case DoubleFree:
		return "double_free"
	case OutOfBounds:
		return "out_of_bounds"
	case ForeignPointer:
		return "foreign_pointer"
	case SizeMismatch:
		return "size_mismatch"
	default:
		return "unknown"
	}
}

// Violation reports whether the verdict requires enforcement.
func (v Verdict) Violation() bool { return v != Valid }

// Access describes one proposed pointer operation.
type Access struct {
	Addr uintptr
	// Generation is the generation the caller captured when the region
	// was handed out. Zero means the caller holds a raw pointer with no
	// captured identity (the free path); generation checking is skipped.
	Generation uint64
	// Len is the byte length of the access for OpRead/OpWrite.
	Len uint64
	Op  Op
	// DeclaredSize is the size the caller asserts for a sized free.
	// Zero means undeclared.
	DeclaredSize uint64
}

// Report is the full classification result. Record is meaningful only
// when Known is true.
type Report struct {
	Verdict Verdict
	Known   bool
	Record  arena.View
	// Remaining is the usable bytes from Addr to the end of the record,
	// filled for Valid and OutOfBounds verdicts on live records.
	Remaining uint64
}

// Validator classifies accesses against one arena. It holds no state of
// its own and is safe for concurrent use.
type Validator struct {
	table *arena.Arena
}

func New(table *arena.Arena) *Validator {
	return &Validator{table: table}
}

// Validate classifies one access. It never mutates the table and is safe
// to call with arbitrary, possibly hostile, input.
func (v *Validator) Validate(acc Access) Report {
	rec, known := v.table.Inspect(acc.Addr)
	if !known {
		return Report{Verdict: ForeignPointer}
	}

	if rec.State != arena.Live {
		verdict := UseAfterFree
		if acc.Op == OpFree {
			verdict = DoubleFree
		}
		return Report{Verdict: verdict, Known: true, Record: rec}
	}

	// A live record at the same address may belong to a later allocation
	// lifetime than the caller's handle. A stale generation is a use
	// after free regardless of operation.
	if acc.Generation != 0 && acc.Generation != rec.Generation {
		return Report{Verdict: UseAfterFree, Known: true, Record: rec}
	}

	switch acc.Op {
	case OpFree, OpRealloc:
		if acc.Addr != rec.Addr {
			// Interior pointers are not valid free/realloc targets.
			return Report{Verdict: ForeignPointer, Known: true, Record: rec}
		}
		if acc.DeclaredSize != 0 && acc.DeclaredSize != rec.Size {
			return Report{Verdict: SizeMismatch, Known: true, Record: rec}
		}
		return Report{Verdict: Valid, Known: true, Record: rec, Remaining: rec.Size}
	default:
		remaining := uint64(rec.Addr) + rec.Size - uint64(acc.Addr)
		if acc.Len > remaining {
			return Report{Verdict: OutOfBounds, Known: true, Record: rec, Remaining: remaining}
		}
		return Report{Verdict: Valid, Known: true, Record: rec, Remaining: remaining}
	}
}
