package fake

import (
	"context"
	"fmt"
	"io"

	"runway/internal/runtime"
)

var _ runtime.ToolRunner = (*Runner)(nil)

// Runner is an in-memory implementation of runtime.ToolRunner. Look
// resolves only names present in Paths; Run records the invocation and
// optionally emits canned output or a canned error.
type Runner struct {
	CallRecorder

	// Paths maps tool names to resolved paths for Look.
	Paths map[string]string

	// Output returns canned combined output for an invocation.
	Output func(path string, args []string) string

	// Err returns the error for an invocation. nil means success.
	Err func(path string, args []string) error
}

// NewRunner creates a Runner that resolves the given tool names.
func NewRunner(paths map[string]string) *Runner {
	if paths == nil {
		paths = make(map[string]string)
	}
	return &Runner{Paths: paths}
}

func (r *Runner) Look(name string) (string, error) {
	r.record("Look", name)
	path, ok := r.Paths[name]
	if !ok {
		return "", fmt.Errorf("executable %q not found", name)
	}
	return path, nil
}

func (r *Runner) Run(ctx context.Context, dir string, out io.Writer, path string, args ...string) error {
	recorded := append([]any{dir, path}, argsToAny(args)...)
	r.record("Run", recorded...)

	if r.Output != nil && out != nil {
		if text := r.Output(path, args); text != "" {
			_, _ = io.WriteString(out, text)
		}
	}
	if r.Err != nil {
		return r.Err(path, args)
	}
	return nil
}

// RunArgs returns the path and arguments of the i-th Run call.
func (r *Runner) RunArgs(i int) (string, []string) {
	calls := r.Calls("Run")
	if i >= len(calls) {
		return "", nil
	}
	args := calls[i].Args
	path, _ := args[1].(string)
	rest := make([]string, 0, len(args)-2)
	for _, a := range args[2:] {
		s, _ := a.(string)
		rest = append(rest, s)
	}
	return path, rest
}

// RunDir returns the working directory of the i-th Run call.
func (r *Runner) RunDir(i int) string {
	calls := r.Calls("Run")
	if i >= len(calls) {
		return ""
	}
	dir, _ := calls[i].Args[0].(string)
	return dir
}

func argsToAny(args []string) []any {
	out := make([]any, len(args))
	for i, a := range args {
		out[i] = a
	}
	return out
}
