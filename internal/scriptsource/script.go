// Package scriptsource defines the Script identity a Procedure is
// built from and the loader that turns it into an executable plugin,
// along with the ArgCapture record of every invocation's arguments.
package scriptsource

import (
	"fmt"
	"time"
)

// Kind distinguishes the two carried variants of Script.
type Kind string

const (
	KindFilesystem Kind = "filesystem"
	KindRepo       Kind = "repo"
)

// Script is the tagged variant describing where a script's source
// lives and how to materialize it into loadable form. URI is used by
// both variants; the remaining repo fields are meaningful only when
// Kind is KindRepo.
type Script struct {
	Kind Kind `json:"kind"`

	// Both variants.
	URI string `json:"uri,omitempty"`

	// Repo variant only.
	Revision string `json:"revision,omitempty"`
	Branch   string `json:"branch,omitempty"`
	BuildEnv string `json:"build_env,omitempty"`
}

// Filesystem builds a {filesystem, uri} Script.
func Filesystem(uri string) Script {
	return Script{Kind: KindFilesystem, URI: uri}
}

// Repo builds a {repo, uri, revision, branch, build_env} Script.
func Repo(uri, revision, branch, buildEnv string) Script {
	return Script{Kind: KindRepo, URI: uri, Revision: revision, Branch: branch, BuildEnv: buildEnv}
}

// Validate checks that the carried fields are consistent with Kind.
func (s Script) Validate() error {
	switch s.Kind {
	case KindFilesystem:
		if s.URI == "" {
			return fmt.Errorf("filesystem script requires a uri")
		}
	case KindRepo:
		if s.URI == "" {
			return fmt.Errorf("repo script requires a uri")
		}
	default:
		return fmt.Errorf("unknown script kind %q", s.Kind)
	}
	return nil
}

// String renders a Script for logging.
func (s Script) String() string {
	switch s.Kind {
	case KindRepo:
		return fmt.Sprintf("repo:%s@%s", s.URI, firstNonEmpty(s.Revision, s.Branch))
	default:
		return fmt.Sprintf("filesystem:%s", s.URI)
	}
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// ArgCapture records one invocation's positional and keyword
// arguments, append-only for the lifetime of a Procedure: one entry
// for the init call (possibly with empty args) and one per subsequent
// named function call.
type ArgCapture struct {
	FunctionName   string                 `json:"function_name"`
	PositionalArgs []interface{}          `json:"positional_args"`
	KeywordArgs    map[string]interface{} `json:"keyword_args"`
	Timestamp      time.Time              `json:"timestamp"`
}

// NewArgCapture builds an ArgCapture stamped with the current time.
func NewArgCapture(functionName string, positional []interface{}, keyword map[string]interface{}) ArgCapture {
	if keyword == nil {
		keyword = map[string]interface{}{}
	}
	return ArgCapture{
		FunctionName:   functionName,
		PositionalArgs: positional,
		KeywordArgs:    keyword,
		Timestamp:      time.Now(),
	}
}
