package eventsource

import (
	"context"
	"os"

	"github.com/roach88/keel/internal/broker"
	"github.com/roach88/keel/internal/errclass"
	"github.com/roach88/keel/internal/store"
)

// Opener returns a broker.Opener serving the projection databases of ps
// under root. Each open applies pending migrations, so a fresh state
// directory needs no separate init step.
func Opener(root string, opts store.Options, ps ...Projection) broker.Opener {
	migrations := make(map[string][]string, len(ps))
	for _, p := range ps {
		migrations[p.Subsystem()] = p.Migrations()
	}
	return func(ctx context.Context, storeID string) (*store.Store, error) {
		m, ok := migrations[storeID]
		if !ok {
			return nil, errclass.ErrNotFound.WithMessagef("unknown store %q", storeID)
		}
		if err := os.MkdirAll(root, 0o755); err != nil {
			return nil, errclass.ErrIO.WithMessage("create state dir").Wrap(err)
		}
		o := opts
		o.Migrations = m
		return store.Open(DBPath(root, storeID), o)
	}
}
