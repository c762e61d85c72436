// Package api defines the JSON wire surface of the runwayd control API.
// The daemon serves it, the SDK consumes it; both sides share these types.
package api

import (
	"runway"
)

// Prefix is the versioned route prefix of the control API.
const Prefix = "/v1"

// BuildRequest asks the daemon to bootstrap an environment for the app
// rooted at AppRoot. The path must be visible to the daemon.
type BuildRequest struct {
	AppRoot string `json:"app_root"`
}

// BuildResponse carries the final build record. A failed build is still a
// 200: the record's phase and error field carry the outcome.
type BuildResponse struct {
	Build runway.Build `json:"build"`
}

// BuildListResponse lists build records, newest first.
type BuildListResponse struct {
	Builds []runway.Build `json:"builds"`
}

// RunRequest asks the daemon to launch an app's built environment.
type RunRequest struct {
	AppRoot string            `json:"app_root"`
	Restart string            `json:"restart,omitempty"` // never | on-failure | always
	Env     map[string]string `json:"env,omitempty"`
}

// RunResponse carries the run record as of the launch decision: running,
// or already terminal when the launch failed.
type RunResponse struct {
	Run runway.Run `json:"run"`
}

// RunListResponse lists run records, newest first.
type RunListResponse struct {
	Runs []runway.Run `json:"runs"`
}

// AppStatus is one app's latest build and run.
type AppStatus struct {
	App   string        `json:"app"`
	Build *runway.Build `json:"build,omitempty"`
	Run   *runway.Run   `json:"run,omitempty"`
}

// StatusResponse describes the daemon and every app it knows about.
type StatusResponse struct {
	Version  string      `json:"version"`
	DataRoot string      `json:"data_root"`
	Socket   string      `json:"socket"`
	Apps     []AppStatus `json:"apps"`
}

// DoctorResult is one advisory diagnostic outcome.
type DoctorResult struct {
	Check  string `json:"check"`
	Status string `json:"status"` // pass | warn | fail | skip
	Detail string `json:"detail,omitempty"`
	Fix    string `json:"fix,omitempty"`
}

// DoctorResponse carries the host diagnostics report.
type DoctorResponse struct {
	Healthy bool           `json:"healthy"`
	Results []DoctorResult `json:"results"`
}

// Error is the JSON error envelope for non-2xx responses.
type Error struct {
	Error string `json:"error"`
}
