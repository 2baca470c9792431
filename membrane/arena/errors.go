package arena

import "errors"

var (
	// ErrExhausted indicates the arena's address space or slot budget is spent.
	ErrExhausted = errors.New("arena: address space exhausted")

	// ErrDoubleFree indicates a free of an address that is already
	// Quarantined or Freed.
	ErrDoubleFree = errors.New("arena: double free")

	// ErrForeignPointer indicates an address the arena has never issued
	// (or whose record has been fully recycled).
	ErrForeignPointer = errors.New("arena: foreign pointer")
)
