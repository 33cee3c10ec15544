package ledger

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"os"
	"strconv"

	"github.com/roach88/keel/internal/errclass"
)

// maxLine bounds a single ledger line.
const maxLine = 4 << 20

// Each calls fn for every event in path in append order, including pending
// events. A missing ledger is E_NOT_FOUND. Scanning stops at the first
// line that does not parse, fails its content hash, is not in canonical
// form or repeats an earlier event_id; that line is reported as
// E_CORRUPTION. An error returned by fn stops the scan and is returned
// as is.
func Each(path string, fn func(line int, e Event) error) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return errclass.ErrNotFound.WithMessage("ledger does not exist").With("path", path)
		}
		return errclass.ErrIO.WithMessage("open ledger").Wrap(err)
	}
	defer f.Close()
	return each(f, path, fn)
}

func each(r io.Reader, path string, fn func(line int, e Event) error) error {
	seen := make(map[string]int)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLine)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := bytes.TrimRight(scanner.Bytes(), "\r")
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		e, err := decodeLine(raw)
		if err != nil {
			return corrupt(path, lineNo, err)
		}
		if first, dup := seen[e.EventID]; dup {
			return corrupt(path, lineNo, errclass.ErrCorruption.
				WithMessagef("duplicate event_id %s (first on line %d)", e.EventID, first))
		}
		seen[e.EventID] = lineNo

		if err := fn(lineNo, e); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return errclass.ErrIO.WithMessage("read ledger").With("path", path).Wrap(err)
	}
	return nil
}

// Scan returns every event in path, including pending ones.
func Scan(path string) ([]Event, error) {
	var events []Event
	err := Each(path, func(_ int, e Event) error {
		events = append(events, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// Exists reports whether the ledger file is present.
func Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, errclass.ErrIO.WithMessage("stat ledger").Wrap(err)
}

func decodeLine(raw []byte) (Event, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var e Event
	if err := dec.Decode(&e); err != nil {
		return Event{}, errclass.ErrCorruption.WithMessage("ledger line does not parse").Wrap(err)
	}
	if dec.More() {
		return Event{}, errclass.ErrCorruption.WithMessage("trailing data after event")
	}
	if err := e.validate(); err != nil {
		return Event{}, errclass.ErrCorruption.WithMessage("invalid event envelope").Wrap(err)
	}

	want, err := e.ComputeHash()
	if err != nil {
		return Event{}, errclass.ErrCorruption.WithMessage("hash event").Wrap(err)
	}
	if want != e.ContentHash {
		return Event{}, errclass.ErrCorruption.
			WithMessage("content_hash mismatch").
			With("event_id", e.EventID).
			With("expected", want).
			With("got", e.ContentHash)
	}

	canonical, err := e.MarshalLine()
	if err != nil {
		return Event{}, errclass.ErrCorruption.WithMessage("re-encode event").Wrap(err)
	}
	if !bytes.Equal(canonical, raw) {
		return Event{}, errclass.ErrCorruption.
			WithMessage("ledger line is not in canonical form").
			With("event_id", e.EventID)
	}
	return e, nil
}

// corrupt attaches the ledger location to a line-level failure.
func corrupt(path string, line int, err error) error {
	var ce *errclass.Error
	if errors.As(err, &ce) && ce.Code == errclass.ErrCorruption.Code {
		return ce.With("path", path).With("line", strconv.Itoa(line))
	}
	return errclass.ErrCorruption.With("path", path).With("line", strconv.Itoa(line)).Wrap(err)
}
