// Package projection lists the subsystems keel ships with.
package projection

import (
	"slices"

	"github.com/roach88/keel/internal/errclass"
	"github.com/roach88/keel/internal/eventsource"
	"github.com/roach88/keel/internal/projection/knowledge"
	"github.com/roach88/keel/internal/projection/tasks"
)

// All returns every built-in projection ordered by subsystem name.
func All() []eventsource.Projection {
	return []eventsource.Projection{knowledge.New(), tasks.New()}
}

// Names returns the subsystem names of All.
func Names() []string {
	var names []string
	for _, p := range All() {
		names = append(names, p.Subsystem())
	}
	slices.Sort(names)
	return names
}

// Lookup returns the projection for subsystem, or E_NOT_FOUND.
func Lookup(subsystem string) (eventsource.Projection, error) {
	for _, p := range All() {
		if p.Subsystem() == subsystem {
			return p, nil
		}
	}
	return nil, errclass.ErrNotFound.
		WithMessagef("unknown subsystem %q", subsystem).
		With("subsystem", subsystem)
}
