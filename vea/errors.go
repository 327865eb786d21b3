package vea

import "errors"

// Error kinds, matching spec.md §7. Callers should compare with
// errors.Is; internal call sites wrap one of these with fmt.Errorf to add
// context rather than inventing new sentinel values.
var (
	// ErrNoSpace: reserve cannot satisfy the request even after a forced
	// flush, or format is given a capacity below MinCapacityBlocks (100)
	// blocks, header blocks included, or one that leaves no block past the
	// header.
	ErrNoSpace = errors.New("vea: no space")

	// ErrInvalid: an argument is out of range, a freed range straddles a
	// bitmap-chunk boundary, a hint-sequence invariant was violated, or a
	// free targets a range that isn't actually allocated.
	ErrInvalid = errors.New("vea: invalid argument")

	// ErrUninit: load was called against a device that was never
	// formatted (magic mismatch).
	ErrUninit = errors.New("vea: device not formatted")

	// ErrExist: format was called without force against an
	// already-formatted device.
	ErrExist = errors.New("vea: device already formatted")

	// ErrNoMem: an internal allocation failed.
	ErrNoMem = errors.New("vea: allocation failure")
)
