package statecommit

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"slices"
	"strings"
	"time"

	"github.com/roach88/keel/internal/canon"
	"github.com/roach88/keel/internal/errclass"
	"github.com/roach88/keel/internal/logging"
)

// Git file modes as printed by ls-tree.
const (
	modeFile       = "100644"
	modeExecutable = "100755"
	modeSymlink    = "120000"
)

// Git reads revisions through the git command line. Every failure is a
// hard error; there is no partial result.
type Git struct {
	dir     string
	binary  string
	timeout time.Duration
	logger  *slog.Logger
}

// GitOptions configures a Git source. Zero values take defaults.
type GitOptions struct {
	Binary  string
	Timeout time.Duration
	Logger  *slog.Logger
}

// NewGit returns a source for the repository containing dir.
func NewGit(dir string, opts GitOptions) *Git {
	if opts.Binary == "" {
		opts.Binary = "git"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Git{dir: dir, binary: opts.Binary, timeout: opts.Timeout, logger: logging.OrDiscard(opts.Logger)}
}

// run executes git and returns raw stdout.
func (g *Git) run(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	full := append([]string{"--literal-pathspecs", "-c", "core.quotepath=false"}, args...)
	cmd := exec.CommandContext(ctx, g.binary, full...)
	cmd.Dir = g.dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	g.logger.Debug("git", "args", strings.Join(args, " "), "duration", time.Since(start), "error", err)
	if err != nil {
		e := errclass.ErrIO.With("command", "git "+strings.Join(args, " "))
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, e.WithMessagef("git %s: timeout after %s", args[0], g.timeout).Wrap(ctx.Err())
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			e = e.With("stderr", msg)
		}
		return nil, e.WithMessagef("git %s", args[0]).Wrap(err)
	}
	return stdout.Bytes(), nil
}

// ResolveRevision returns the full commit id of rev. An unknown revision
// is E_NOT_FOUND.
func (g *Git) ResolveRevision(ctx context.Context, rev string) (string, error) {
	if rev == "" || strings.HasPrefix(rev, "-") {
		return "", errclass.ErrValidation.WithMessagef("invalid revision %q", rev).With("revision", rev)
	}
	out, err := g.run(ctx, "rev-parse", "--verify", "--quiet", rev+"^{commit}")
	if err != nil {
		return "", errclass.ErrNotFound.WithMessagef("revision %s", rev).With("revision", rev).Wrap(err)
	}
	return strings.TrimSpace(string(out)), nil
}

// PathSet lists the paths that differ between base and head, sorted by
// their bytes. Renames are reported as a deletion plus an addition.
func (g *Git) PathSet(ctx context.Context, base, head string) ([]string, error) {
	out, err := g.run(ctx, "diff", "--name-only", "--no-renames", "-z", base, head, "--")
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, p := range bytes.Split(out, []byte{0}) {
		if len(p) > 0 {
			paths = append(paths, string(p))
		}
	}
	slices.Sort(paths)
	return slices.Compact(paths), nil
}

// EntryFor reads the mode, content hash and size of path at head. A path
// absent at head, such as a deletion, is E_NOT_FOUND. Submodules are
// E_VALIDATION.
func (g *Git) EntryFor(ctx context.Context, head, path string) (Entry, error) {
	out, err := g.run(ctx, "ls-tree", "-z", "--full-tree", head, "--", path)
	if err != nil {
		return Entry{}, err
	}
	mode, oid, err := parseLsTree(out, path)
	if err != nil {
		return Entry{}, err
	}

	e := Entry{Path: path}
	switch mode {
	case modeFile:
	case modeExecutable:
		e.Executable = true
	case modeSymlink:
		e.Kind = KindSymlink
	default:
		return Entry{}, errclass.ErrValidation.
			WithMessagef("%s has unsupported mode %s", path, mode).
			With("path", path).
			With("mode", mode)
	}

	blob, err := g.run(ctx, "cat-file", "blob", oid)
	if err != nil {
		return Entry{}, err
	}
	e.ContentHash = canon.Hash(blob).Hex()
	e.Size = uint64(len(blob))
	return e, nil
}

// parseLsTree reads the single "<mode> <type> <oid>\t<path>" record for
// path from NUL-terminated ls-tree output.
func parseLsTree(out []byte, path string) (mode, oid string, err error) {
	for _, rec := range bytes.Split(out, []byte{0}) {
		meta, name, ok := bytes.Cut(rec, []byte{'\t'})
		if !ok || string(name) != path {
			continue
		}
		fields := strings.Fields(string(meta))
		if len(fields) != 3 {
			return "", "", errclass.ErrIO.
				WithMessagef("unexpected ls-tree record %q", rec).
				With("path", path)
		}
		return fields[0], fields[2], nil
	}
	return "", "", errclass.ErrNotFound.
		WithMessagef("%s does not exist at head", path).
		With("path", path)
}
