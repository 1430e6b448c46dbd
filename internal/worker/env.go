package worker

import (
	"context"

	"github.com/ska-telescope/sec/internal/scriptsource"
)

// EnvPreparer builds whatever a script needs to run (a virtualenv, a
// worktree checkout, a container image) before LOAD is attempted. The
// concrete builders are explicitly out-of-scope collaborators; this
// interface is the seam where one would plug in. Grounded on the
// multiple environment-preparation strategy implementations the
// examples ship (docker/local/worktree-flavored builders), generalized
// to one interface with one trivial no-op implementation.
type EnvPreparer interface {
	Prepare(ctx context.Context, script scriptsource.Script) error
}

// NoopEnvPreparer satisfies EnvPreparer by doing nothing, the default
// for scripts that declare no build_env.
type NoopEnvPreparer struct{}

func (NoopEnvPreparer) Prepare(ctx context.Context, script scriptsource.Script) error {
	return nil
}
