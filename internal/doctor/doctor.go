// Package doctor runs advisory host diagnostics. Checks observe and
// report; they never repair anything, and the port check never binds the
// declared port.
package doctor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/beevik/ntp"

	"runway/internal/check"
	"runway/internal/defaults"
	"runway/internal/runtime"
	"runway/internal/runtime/docker"
	"runway/internal/runtime/local"
)

const (
	defaultNTPPool = "pool.ntp.org"
	// defaultOffsetThreshold is 500ms: offsets beyond that break TLS
	// handshakes and token validation inside the apps being launched.
	defaultOffsetThreshold = 500 * time.Millisecond
)

type Status uint8

const (
	StatusPass Status = iota + 1
	StatusWarn
	StatusFail
	StatusSkip
)

func (s Status) String() string {
	switch s {
	case StatusPass:
		return "pass"
	case StatusWarn:
		return "warn"
	case StatusFail:
		return "fail"
	case StatusSkip:
		return "skip"
	default:
		return "unknown"
	}
}

// Result is one check's outcome. Fix, when present, is a suggested action;
// the doctor never performs it.
type Result struct {
	Check  string
	Status Status
	Detail string
	Fix    string
}

// Healthy reports whether no check failed outright. Warnings and skipped
// checks do not count against health.
func Healthy(results []Result) bool {
	for _, r := range results {
		if r.Status == StatusFail {
			return false
		}
	}
	return true
}

// Doctor holds the probes behind each check.
// Production: real host probes
// Testing: injected fakes
type Doctor struct {
	dataRoot  string
	python    string
	port      int
	pool      string
	threshold time.Duration

	runner     runtime.ToolRunner
	dockerPing func(ctx context.Context) error
	portProbe  func(port int) (bool, string, error)
	ntpQuery   func(pool string) (time.Duration, error)
}

type Option func(*Doctor)

// WithPython sets the interpreter version to look for.
func WithPython(version string) Option {
	check.Assert(version != "", "doctor.WithPython: version must not be empty")
	return func(d *Doctor) { d.python = version }
}

// WithPort sets the declared port to inspect.
func WithPort(port int) Option {
	check.Assertf(port > 0 && port < 65536, "doctor.WithPort: port %d out of range", port)
	return func(d *Doctor) { d.port = port }
}

// WithToolRunner sets the runner used to resolve interpreters.
func WithToolRunner(r runtime.ToolRunner) Option {
	check.Assert(r != nil, "doctor.WithToolRunner: runner must not be nil")
	return func(d *Doctor) { d.runner = r }
}

// WithDockerPing overrides daemon reachability probing. Tests use it.
func WithDockerPing(fn func(ctx context.Context) error) Option {
	check.Assert(fn != nil, "doctor.WithDockerPing: probe must not be nil")
	return func(d *Doctor) { d.dockerPing = fn }
}

// WithPortProbe overrides listener detection. Tests use it.
func WithPortProbe(fn func(port int) (bool, string, error)) Option {
	check.Assert(fn != nil, "doctor.WithPortProbe: probe must not be nil")
	return func(d *Doctor) { d.portProbe = fn }
}

// WithNTPQuery overrides the clock offset source. Tests use it.
func WithNTPQuery(fn func(pool string) (time.Duration, error)) Option {
	check.Assert(fn != nil, "doctor.WithNTPQuery: query must not be nil")
	return func(d *Doctor) { d.ntpQuery = fn }
}

// New creates a Doctor for the given data root.
func New(dataRoot string, opts ...Option) *Doctor {
	check.Assert(dataRoot != "", "doctor.New: data root must not be empty")
	d := &Doctor{
		dataRoot:  dataRoot,
		python:    defaults.Python,
		port:      defaults.Port,
		pool:      defaultNTPPool,
		threshold: defaultOffsetThreshold,
		runner:    local.ExecRunner{},
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.dockerPing == nil {
		d.dockerPing = pingDocker
	}
	if d.portProbe == nil {
		d.portProbe = portInUse
	}
	if d.ntpQuery == nil {
		d.ntpQuery = ntpOffset
	}
	return d
}

// Run executes every check and returns the results in a fixed order.
func (d *Doctor) Run(ctx context.Context) []Result {
	return []Result{
		d.checkPython(ctx),
		d.checkDocker(ctx),
		d.checkDataRoot(),
		d.checkPort(),
		d.checkClock(),
	}
}

func (d *Doctor) checkPython(ctx context.Context) Result {
	res := Result{Check: "python"}
	path, err := local.FindPython(ctx, d.runner, d.python)
	if err != nil {
		res.Status = StatusFail
		res.Detail = err.Error()
		res.Fix = "install python " + d.python + " or declare an installed version in runway.yaml"
		return res
	}
	res.Status = StatusPass
	res.Detail = path
	if reported, err := local.PythonVersion(ctx, d.runner, path); err == nil && reported != "" {
		res.Detail = reported + " at " + path
	}
	return res
}

func (d *Doctor) checkDocker(ctx context.Context) Result {
	res := Result{Check: "docker"}
	if err := d.dockerPing(ctx); err != nil {
		res.Status = StatusWarn
		res.Detail = err.Error()
		res.Fix = "start the docker daemon, or keep apps on the local backend"
		return res
	}
	res.Status = StatusPass
	res.Detail = "daemon reachable"
	return res
}

func (d *Doctor) checkDataRoot() Result {
	res := Result{Check: "data root"}
	if err := defaults.EnsureDataRoot(d.dataRoot); err != nil {
		res.Status = StatusFail
		res.Detail = err.Error()
		res.Fix = "fix ownership of " + d.dataRoot + " or set " + defaults.EnvDataRoot + " to a writable directory"
		return res
	}
	probe := filepath.Join(d.dataRoot, ".doctor")
	if err := os.WriteFile(probe, []byte("ok\n"), 0o600); err != nil {
		res.Status = StatusFail
		res.Detail = fmt.Sprintf("%s is not writable: %v", d.dataRoot, err)
		res.Fix = "fix ownership of " + d.dataRoot + " or set " + defaults.EnvDataRoot + " to a writable directory"
		return res
	}
	_ = os.Remove(probe)
	res.Status = StatusPass
	res.Detail = d.dataRoot + " is writable"
	return res
}

func (d *Doctor) checkPort() Result {
	res := Result{Check: "port"}
	busy, listener, err := d.portProbe(d.port)
	if err != nil {
		res.Status = StatusSkip
		res.Detail = fmt.Sprintf("cannot inspect port %d: %v", d.port, err)
		return res
	}
	if busy {
		res.Status = StatusWarn
		res.Detail = fmt.Sprintf("port %d already has a listener", d.port)
		if listener != "" {
			res.Detail += " on " + listener
		}
		res.Fix = "stop the conflicting listener or declare another port in runway.yaml"
		return res
	}
	res.Status = StatusPass
	res.Detail = fmt.Sprintf("port %d is free", d.port)
	return res
}

func (d *Doctor) checkClock() Result {
	res := Result{Check: "clock"}
	offset, err := d.ntpQuery(d.pool)
	if err != nil {
		res.Status = StatusSkip
		res.Detail = fmt.Sprintf("ntp query failed: %v", err)
		return res
	}
	if offset.Abs() >= d.threshold {
		res.Status = StatusWarn
		res.Detail = fmt.Sprintf("clock offset %s exceeds %s", offset.Round(time.Millisecond), d.threshold)
		res.Fix = "enable time synchronization on this host"
		return res
	}
	res.Status = StatusPass
	res.Detail = fmt.Sprintf("clock offset %s", offset.Round(time.Millisecond))
	return res
}

func pingDocker(ctx context.Context) error {
	b, err := docker.New()
	if err != nil {
		return err
	}
	defer b.Close()
	return b.Ping(ctx)
}

func ntpOffset(pool string) (time.Duration, error) {
	resp, err := ntp.Query(pool)
	if err != nil {
		return 0, err
	}
	return resp.ClockOffset, nil
}
