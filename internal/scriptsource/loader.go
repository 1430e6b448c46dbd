package scriptsource

import (
	"context"
	"fmt"
	"plugin"

	"github.com/ska-telescope/sec/internal/apperrors"
)

// EntryPoint is the conventional function exported by a script plugin.
// init is optional; main is the conventional entry point named in the
// lifecycle machine's RUN handling.
type EntryPoint func(ctx context.Context, args ArgCapture) error

// Loaded is a script resolved to its executable form: the callable
// entry points exported by its plugin.
type Loaded struct {
	Script Script
	Init   EntryPoint // nil if the plugin does not export Init
	Main   EntryPoint
}

// HasFunction reports whether name is an entry point this loaded
// script actually exports, used by the Worker to decide whether a RUN
// work item for function "init" should short-circuit straight to
// READY per the lifecycle machine's rule.
func (l *Loaded) HasFunction(name string) bool {
	switch name {
	case "init":
		return l.Init != nil
	case "main":
		return l.Main != nil
	default:
		return false
	}
}

// Call invokes the named entry point. It returns a not-found error if
// name is neither "init" nor "main", or if the named entry point was
// not exported by the plugin.
func (l *Loaded) Call(ctx context.Context, name string, args ArgCapture) error {
	switch name {
	case "init":
		if l.Init == nil {
			return apperrors.New(apperrors.KindNotFound, "script has no init function")
		}
		return l.Init(ctx, args)
	case "main":
		if l.Main == nil {
			return apperrors.New(apperrors.KindNotFound, "script has no main function")
		}
		return l.Main(ctx, args)
	default:
		return apperrors.New(apperrors.KindNotFound, fmt.Sprintf("unknown function %q", name))
	}
}

// Loader resolves a Script to its Loaded executable form. The
// filesystem variant is loaded directly as a Go plugin; the repo
// variant is expected to have already been materialized to a local
// .so path by the out-of-scope repository fetcher, and is loaded the
// same way once URI points at that checkout's built artifact.
type Loader struct{}

// NewLoader builds a Loader.
func NewLoader() *Loader { return &Loader{} }

// Load opens the plugin named by the script's URI (a path to a .so
// built with `go build -buildmode=plugin`) and binds its Init/Main
// symbols.
func (l *Loader) Load(_ context.Context, script Script) (*Loaded, error) {
	if err := script.Validate(); err != nil {
		return nil, apperrors.Wrap(apperrors.KindScriptLoadError, "invalid script reference", err)
	}

	p, err := plugin.Open(script.URI)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindNotFound, fmt.Sprintf("script not found: %s", script.URI), err)
	}

	loaded := &Loaded{Script: script}

	if sym, err := p.Lookup("Init"); err == nil {
		fn, ok := sym.(func(context.Context, ArgCapture) error)
		if !ok {
			return nil, apperrors.New(apperrors.KindScriptLoadError, "Init has an unexpected signature")
		}
		loaded.Init = fn
	}

	sym, err := p.Lookup("Main")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindScriptLoadError, "script does not export Main", err)
	}
	fn, ok := sym.(func(context.Context, ArgCapture) error)
	if !ok {
		return nil, apperrors.New(apperrors.KindScriptLoadError, "Main has an unexpected signature")
	}
	loaded.Main = fn

	return loaded, nil
}
