package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"strconv"

	"github.com/roach88/keel/internal/errclass"
)

// maxLine bounds one audit line. Records are small; anything larger is damage.
const maxLine = 1 << 20

// Read returns every record in path in append order. A missing file is an
// empty log. A line that does not parse is E_CORRUPTION with its line number.
func Read(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, errclass.ErrIO.WithMessage("open audit log").Wrap(err)
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLine)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, errclass.ErrCorruption.
				WithMessage("audit line does not parse").
				With("line", strconv.Itoa(lineNo)).
				Wrap(err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, errclass.ErrIO.WithMessage("scan audit log").Wrap(err)
	}
	return records, nil
}

// Verify checks the hash chain of path and returns the number of records.
//
// Checked per record:
//   - seq is exactly one more than its predecessor (starting at 1)
//   - prev_hash equals the predecessor's record_hash
//   - record_hash matches the recomputed hash
func Verify(path string) (int, error) {
	records, err := Read(path)
	if err != nil {
		return 0, err
	}

	var prevHash string
	for i := range records {
		rec := &records[i]
		seq := strconv.FormatInt(rec.Seq, 10)

		if rec.Seq != int64(i+1) {
			return i, errclass.ErrCorruption.
				WithMessagef("audit seq break: expected %d, got %d", i+1, rec.Seq).
				With("seq", seq)
		}
		if rec.PrevHash != prevHash {
			return i, errclass.ErrCorruption.
				WithMessage("audit chain broken: prev_hash does not match predecessor").
				With("seq", seq).
				With("expected", prevHash).
				With("got", rec.PrevHash)
		}
		want, err := computeHash(rec)
		if err != nil {
			return i, errclass.ErrCorruption.With("seq", seq).Wrap(err)
		}
		if want != rec.RecordHash {
			return i, errclass.ErrCorruption.
				WithMessage("audit record hash mismatch").
				With("seq", seq).
				With("expected", want).
				With("got", rec.RecordHash)
		}
		prevHash = rec.RecordHash
	}
	return len(records), nil
}
