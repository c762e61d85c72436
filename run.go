package runway

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"runway/internal/check"
)

// RunPhase is the lifecycle of one supervised run.
type RunPhase uint8

const (
	RunStarting RunPhase = iota + 1
	RunRunning
	RunRestarting
	RunStopped
	RunFailed
)

func (p RunPhase) String() string {
	switch p {
	case RunStarting:
		return "starting"
	case RunRunning:
		return "running"
	case RunRestarting:
		return "restarting"
	case RunStopped:
		return "stopped"
	case RunFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (p RunPhase) IsValid() bool {
	switch p {
	case RunStarting, RunRunning, RunRestarting, RunStopped, RunFailed:
		return true
	default:
		return false
	}
}

// Active reports whether the run still owns a foreground process (or is
// about to own one again).
func (p RunPhase) Active() bool {
	return p == RunStarting || p == RunRunning || p == RunRestarting
}

func (p RunPhase) Transition(to RunPhase) RunPhase {
	ok := false
	switch p {
	case RunStarting:
		ok = to == RunRunning || to == RunRestarting || to == RunFailed || to == RunStopped
	case RunRunning:
		ok = to == RunRestarting || to == RunStopped || to == RunFailed
	case RunRestarting:
		ok = to == RunRunning || to == RunStopped || to == RunFailed
	case RunStopped, RunFailed:
		ok = false
	}
	check.Assertf(ok, "run phase transition: %s -> %s", p, to)
	if !ok {
		return p
	}
	return to
}

func (p RunPhase) MarshalJSON() ([]byte, error) {
	if !p.IsValid() {
		return nil, fmt.Errorf("invalid run phase: %d", p)
	}
	return json.Marshal(p.String())
}

func (p *RunPhase) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	next, ok := ParseRunPhase(raw)
	if !ok {
		return fmt.Errorf("invalid run phase: %q", raw)
	}
	*p = next
	return nil
}

func ParseRunPhase(raw string) (RunPhase, bool) {
	switch strings.TrimSpace(raw) {
	case "starting":
		return RunStarting, true
	case "running":
		return RunRunning, true
	case "restarting":
		return RunRestarting, true
	case "stopped":
		return RunStopped, true
	case "failed":
		return RunFailed, true
	default:
		return 0, false
	}
}

// Run is one supervised execution of a built app. A run owns exactly one
// foreground process; when that process exits, the run is over and carries
// the process's exit code.
type Run struct {
	ID          string        `json:"id"`
	App         string        `json:"app"`
	BuildID     string        `json:"build_id"`
	Backend     BackendKind   `json:"backend"`
	Port        int           `json:"port"`
	Restart     RestartPolicy `json:"restart"`
	Phase       RunPhase      `json:"phase"`
	PID         int           `json:"pid,omitempty"`          // local backend
	ContainerID string        `json:"container_id,omitempty"` // docker backend
	ExitCode    int           `json:"exit_code"`
	Restarts    int           `json:"restarts"`
	Error       string        `json:"error,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  time.Time     `json:"finished_at"`
}

// Exited reports whether the run reached a terminal phase.
func (r Run) Exited() bool {
	return r.Phase == RunStopped || r.Phase == RunFailed
}
