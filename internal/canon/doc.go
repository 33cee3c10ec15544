// Package canon implements the deterministic binary encoding used for
// content-addressed records.
//
// The encoding is the core deterministic profile of CBOR (RFC 8949 §4.2.1)
// restricted to the types the state layer needs:
//   - unsigned integers
//   - UTF-8 text strings
//   - booleans
//   - definite-length arrays
//   - maps keyed by small unsigned integers
//
// Every item uses the shortest possible header, so the same logical value
// always produces the same bytes. Map keys are integers rather than
// property names, which keeps the output independent of struct field order.
//
// # Size Class
//
// Header arguments are limited to 32 bits. Longer strings, larger arrays
// and integers beyond MaxArgument fail with ErrSizeClass; callers must
// reject or split such inputs before encoding.
package canon
