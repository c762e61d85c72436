// Package runway defines the core types for bootstrapping Python services:
// builds that provision isolated runtime environments, and runs that
// supervise the entry point as a long-lived foreground process.
package runway

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"runway/internal/check"
)

// BackendKind selects how an environment is provisioned and launched.
type BackendKind string

const (
	// BackendLocal provisions a virtualenv on the host and launches the
	// entry point as a supervised child process.
	BackendLocal BackendKind = "local"
	// BackendDocker builds an image and launches the entry point as the
	// container's foreground process.
	BackendDocker BackendKind = "docker"
)

func (k BackendKind) IsValid() bool {
	return k == BackendLocal || k == BackendDocker
}

// RestartPolicy mirrors container restart semantics for supervised runs.
type RestartPolicy string

const (
	RestartNever     RestartPolicy = "never"
	RestartOnFailure RestartPolicy = "on-failure"
	RestartAlways    RestartPolicy = "always"
)

func (p RestartPolicy) IsValid() bool {
	switch p {
	case RestartNever, RestartOnFailure, RestartAlways:
		return true
	default:
		return false
	}
}

// BuildPhase is the lifecycle of one bootstrap build.
type BuildPhase uint8

const (
	BuildPending BuildPhase = iota + 1
	BuildProvisioning
	BuildInstalling
	BuildSucceeded
	BuildFailed
)

func (p BuildPhase) String() string {
	switch p {
	case BuildPending:
		return "pending"
	case BuildProvisioning:
		return "provisioning"
	case BuildInstalling:
		return "installing"
	case BuildSucceeded:
		return "succeeded"
	case BuildFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (p BuildPhase) IsValid() bool {
	switch p {
	case BuildPending, BuildProvisioning, BuildInstalling, BuildSucceeded, BuildFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether the phase is final. A failed build is terminal:
// there is no retry, only a new build.
func (p BuildPhase) Terminal() bool {
	return p == BuildSucceeded || p == BuildFailed
}

func (p BuildPhase) Transition(to BuildPhase) BuildPhase {
	ok := false
	switch p {
	case BuildPending:
		ok = to == BuildProvisioning || to == BuildFailed
	case BuildProvisioning:
		ok = to == BuildInstalling || to == BuildFailed
	case BuildInstalling:
		ok = to == BuildSucceeded || to == BuildFailed
	case BuildSucceeded, BuildFailed:
		ok = false
	}
	check.Assertf(ok, "build phase transition: %s -> %s", p, to)
	if !ok {
		return p
	}
	return to
}

func (p BuildPhase) MarshalJSON() ([]byte, error) {
	if !p.IsValid() {
		return nil, fmt.Errorf("invalid build phase: %d", p)
	}
	return json.Marshal(p.String())
}

func (p *BuildPhase) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	next, ok := ParseBuildPhase(raw)
	if !ok {
		return fmt.Errorf("invalid build phase: %q", raw)
	}
	*p = next
	return nil
}

func ParseBuildPhase(raw string) (BuildPhase, bool) {
	switch strings.TrimSpace(raw) {
	case "pending":
		return BuildPending, true
	case "provisioning":
		return BuildProvisioning, true
	case "installing":
		return BuildInstalling, true
	case "succeeded":
		return BuildSucceeded, true
	case "failed":
		return BuildFailed, true
	default:
		return 0, false
	}
}

// Build is one attempt to provision an app's runtime environment. Builds are
// all-or-nothing: a failed build leaves no usable environment behind.
type Build struct {
	ID           string      `json:"id"`
	App          string      `json:"app"`
	Backend      BackendKind `json:"backend"`
	Python       string      `json:"python"`
	Entrypoint   string      `json:"entrypoint"`
	Port         int         `json:"port"`
	Requirements int         `json:"requirements"` // manifest entry count
	ManifestHash string      `json:"manifest_hash"`
	ImageRef     string      `json:"image_ref,omitempty"` // docker backend only
	Phase        BuildPhase  `json:"phase"`
	Error        string      `json:"error,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	FinishedAt   time.Time   `json:"finished_at"`
}
