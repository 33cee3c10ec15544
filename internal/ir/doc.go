// Package ir defines the structured values carried in ledger payloads and
// projection fingerprints, and their canonical JSON form.
//
// ir imports nothing internal. Every other package that needs to hash or
// compare structured data goes through MarshalCanonical, so two processes
// that hold the same logical value always produce the same bytes.
//
// Key constraints:
//   - NO floats: numbers are int64 only
//   - NO null: absent fields are omitted, never null
//   - Object keys sort by UTF-16 code units (RFC 8785)
//   - Strings are NFC normalized at serialization time
package ir
