package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/skiffhq/skiff/pkg/checksum"
	"github.com/skiffhq/skiff/pkg/config"
	"github.com/skiffhq/skiff/pkg/provision"
	"github.com/skiffhq/skiff/pkg/redact"
)

// Classification tags for crash diagnosis.
const (
	ReasonRuntimeIncompat  = "language-runtime-incompatibility"
	ReasonMissingDep       = "missing-dependency"
	ReasonPortInUse        = "port-in-use"
	ReasonPermissionDenied = "permission-denied"
	ReasonUpstreamConnect  = "upstream-connect-failure"
	ReasonUnknown          = "unknown"
)

// classifiers map stderr patterns to a tagged reason. First match wins.
var classifiers = []struct {
	pattern *regexp.Regexp
	reason  string
}{
	{regexp.MustCompile(`(?i)SyntaxError|unsupported Python|requires Python`), ReasonRuntimeIncompat},
	{regexp.MustCompile(`(?i)ModuleNotFoundError|ImportError|cannot find module`), ReasonMissingDep},
	{regexp.MustCompile(`(?i)address already in use|EADDRINUSE|bind:`), ReasonPortInUse},
	{regexp.MustCompile(`(?i)Permission denied|EACCES`), ReasonPermissionDenied},
	{regexp.MustCompile(`(?i)connection refused|ECONNREFUSED|no route to host`), ReasonUpstreamConnect},
}

var remediations = map[string]string{
	ReasonRuntimeIncompat:  "the bundle requires a different runtime version; check dependencies.runtime_version_constraint against the host",
	ReasonMissingDep:       "a declared dependency is not importable; redeploy with force to rebuild the sandbox",
	ReasonPortInUse:        "the assigned port is taken by another process; stop it or widen the controller's port range",
	ReasonPermissionDenied: "the entry point or its files are not accessible; check file modes in the bundle",
	ReasonUpstreamConnect:  "an upstream service (LLM or MCP server) refused the connection; verify it is running and reachable",
	ReasonUnknown:          "inspect the captured stderr below",
}

// Diagnostic is the structured crash report for a failed instance.
type Diagnostic struct {
	ExitCode       int               `json:"exit_code"`
	Classification string            `json:"classification"`
	Remediation    string            `json:"remediation"`
	Stdout         string            `json:"stdout"`
	Stderr         string            `json:"stderr"`
	Probes         map[string]string `json:"probes"`
	CollectedAt    time.Time         `json:"collected_at"`
}

// StatusView is the externally visible instance snapshot. Captured stdio in
// the diagnostic is redacted before it gets here.
type StatusView struct {
	Name       string      `json:"name"`
	State      State       `json:"state"`
	Port       int         `json:"port,omitempty"`
	PID        int         `json:"pid,omitempty"`
	StartedAt  time.Time   `json:"started_at,omitempty"`
	Restarts   int         `json:"restarts"`
	Diagnostic *Diagnostic `json:"diagnostic,omitempty"`
}

// Classify scans captured stderr for known failure patterns.
func Classify(stderr string) string {
	for _, c := range classifiers {
		if c.pattern.MatchString(stderr) {
			return c.reason
		}
	}
	return ReasonUnknown
}

// diagnose builds the full crash report for an instance that died.
func (s *Supervisor) diagnose(inst *Instance, rec *checksum.Record) *Diagnostic {
	stderr := inst.stderr.String()
	reason := Classify(stderr)

	exitCode := -1
	if inst.cmd != nil && inst.cmd.ProcessState != nil {
		exitCode = inst.cmd.ProcessState.ExitCode()
	}

	return &Diagnostic{
		ExitCode:       exitCode,
		Classification: reason,
		Remediation:    remediations[reason],
		Stdout:         redact.Redact(inst.stdout.String()),
		Stderr:         redact.Redact(stderr),
		Probes:         probeInstall(rec, inst.manifest),
		CollectedAt:    time.Now(),
	}
}

// diagnoseSpawnError covers failures before the child even started.
func diagnoseSpawnError(rec *checksum.Record, err error) *Diagnostic {
	reason := Classify(err.Error())
	return &Diagnostic{
		ExitCode:       -1,
		Classification: reason,
		Remediation:    remediations[reason],
		Stderr:         redact.Redact(err.Error()),
		Probes:         probeInstall(rec, nil),
		CollectedAt:    time.Now(),
	}
}

// probeInstall checks the install directory shape and compares the declared
// runtime constraint against the host interpreter.
func probeInstall(rec *checksum.Record, manifest *config.Manifest) map[string]string {
	probes := make(map[string]string)
	dir := rec.InstallDir

	probes["manifest"] = presence(rec.ManifestPath)
	probes["sandbox"] = presence(filepath.Join(dir, provision.SandboxDir))
	probes["requirements"] = presence(filepath.Join(dir, provision.RequirementsFile))

	if manifest != nil && manifest.Agent.EntryPoint != "" {
		probes["entry_point"] = presence(filepath.Join(dir, manifest.Agent.EntryPoint))
	} else {
		probes["entry_point"] = "not declared (built-in runtime)"
	}

	if manifest != nil && manifest.Dependencies.RuntimeVersionConstraint != "" {
		probes["declared_runtime"] = manifest.Dependencies.RuntimeVersionConstraint
		probes["host_runtime"] = hostPythonVersion()
	}
	return probes
}

func presence(path string) string {
	if _, err := os.Stat(path); err == nil {
		return "present"
	}
	return "missing"
}

var hostPythonOnce = sync.OnceValue(func() string {
	out, err := exec.Command("python3", "--version").CombinedOutput()
	if err != nil {
		return fmt.Sprintf("unavailable (%v)", err)
	}
	return strings.TrimSpace(string(out))
})

func hostPythonVersion() string {
	return hostPythonOnce()
}

// viewLocked snapshots an instance. Caller holds s.mu.
func (s *Supervisor) viewLocked(inst *Instance) StatusView {
	return StatusView{
		Name:       inst.Name,
		State:      inst.State,
		Port:       inst.Port,
		PID:        inst.PID,
		StartedAt:  inst.StartedAt,
		Restarts:   inst.Restarts,
		Diagnostic: inst.Diagnostic,
	}
}

// tailBuffer retains the last limit bytes written, for crash reports.
type tailBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.limit {
		b.buf = b.buf[len(b.buf)-b.limit:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
