// Package supervisor runs deployed agents as child processes: spawn with the
// sandbox environment, readiness probing, graceful stop, crash diagnosis, and
// the manifest's restart policy.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/skiffhq/skiff/pkg/checksum"
	"github.com/skiffhq/skiff/pkg/config"
	"github.com/skiffhq/skiff/pkg/observability"
	"github.com/skiffhq/skiff/pkg/ports"
	"github.com/skiffhq/skiff/pkg/provision"
)

// State is an instance lifecycle state.
type State string

const (
	StateDiscovered   State = "discovered"
	StateProvisioning State = "provisioning"
	StateStopped      State = "stopped"
	StateStarting     State = "starting"
	StateRunning      State = "running"
	StateStopping     State = "stopping"
	StateFailed       State = "failed"
)

const (
	// PortEnvVar tells the child which port it must listen on.
	PortEnvVar = "SKIFF_AGENT_PORT"
	// SessionTimeoutEnvVar carries the controller's session idle limit to the
	// child runtime.
	SessionTimeoutEnvVar = "SKIFF_SESSION_TIMEOUT"

	readinessWindow = 10 * time.Second
	readinessPoll   = 250 * time.Millisecond
	captureLimit    = 16 * 1024

	// unhealthyThreshold is how many consecutive missed health probes the
	// monitor tolerates before terminating an instance.
	unhealthyThreshold = 3
)

// DefaultStopTimeout is how long a child gets to exit after SIGTERM before
// SIGKILL.
const DefaultStopTimeout = 30 * time.Second

// Instance is one supervised agent process.
type Instance struct {
	Name       string
	State      State
	Port       int
	PID        int
	StartedAt  time.Time
	Restarts   int
	Diagnostic *Diagnostic

	cmd      *exec.Cmd
	stdout   *tailBuffer
	stderr   *tailBuffer
	manifest *config.Manifest
	exited   chan struct{}
}

// Supervisor owns every instance. Operations on the same name are serialized
// by a per-name lock; different names proceed in parallel.
type Supervisor struct {
	ports          *ports.Allocator
	index          *checksum.Index
	metrics        *observability.Metrics
	stopTimeout    time.Duration
	sessionTimeout time.Duration
	restartOn      bool
	selfExe        string

	// readyProbe replaces the default health poll when set.
	readyProbe func(ctx context.Context, port int) error

	mu        sync.Mutex
	instances map[string]*Instance
	locks     map[string]*sync.Mutex
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithStopTimeout overrides the SIGTERM grace period.
func WithStopTimeout(d time.Duration) Option {
	return func(s *Supervisor) { s.stopTimeout = d }
}

// WithMetrics records lifecycle counters.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

// WithRestartOnFailure enables the manifest restart policy globally.
func WithRestartOnFailure(on bool) Option {
	return func(s *Supervisor) { s.restartOn = on }
}

// WithSessionTimeout passes the session idle limit to spawned agent runtimes.
func WithSessionTimeout(d time.Duration) Option {
	return func(s *Supervisor) { s.sessionTimeout = d }
}

// WithReadinessProbe overrides how startup readiness is detected.
func WithReadinessProbe(probe func(ctx context.Context, port int) error) Option {
	return func(s *Supervisor) { s.readyProbe = probe }
}

// New builds a Supervisor over the given port allocator and agent index.
func New(allocator *ports.Allocator, index *checksum.Index, opts ...Option) *Supervisor {
	exe, err := os.Executable()
	if err != nil {
		exe = os.Args[0]
	}
	s := &Supervisor{
		ports:       allocator,
		index:       index,
		stopTimeout: DefaultStopTimeout,
		restartOn:   true,
		selfExe:     exe,
		instances:   make(map[string]*Instance),
		locks:       make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// lockFor returns the serialization lock for a name, creating it on first use.
func (s *Supervisor) lockFor(name string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[name]
	if !ok {
		l = &sync.Mutex{}
		s.locks[name] = l
	}
	return l
}

// Register records a deployed agent as stopped so it shows up in listings.
func (s *Supervisor) Register(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[name]; !ok {
		s.instances[name] = &Instance{Name: name, State: StateStopped}
	}
}

// Discover records a bundle found on disk that has not been provisioned.
func (s *Supervisor) Discover(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[name]; !ok {
		s.instances[name] = &Instance{Name: name, State: StateDiscovered}
	}
}

// Forget drops an instance from the table. The caller must have stopped it.
func (s *Supervisor) Forget(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.instances, name)
}

// Start launches the named agent and waits for readiness.
func (s *Supervisor) Start(ctx context.Context, name string) (*StatusView, error) {
	lock := s.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	view, err := s.start(ctx, name, 0)
	s.recordLifecycle(ctx, "start", err)
	return view, err
}

func (s *Supervisor) start(ctx context.Context, name string, restarts int) (*StatusView, error) {
	rec, err := s.index.ByName(name)
	if err != nil {
		return nil, fmt.Errorf("agent %s is not deployed: %w", name, err)
	}

	s.mu.Lock()
	if inst, ok := s.instances[name]; ok && (inst.State == StateRunning || inst.State == StateStarting) {
		s.mu.Unlock()
		return nil, fmt.Errorf("agent %s is already %s", name, inst.State)
	}
	s.mu.Unlock()

	manifest, err := config.LoadManifest(rec.ManifestPath)
	if err != nil {
		return nil, err
	}

	port, err := s.allocatePort(manifest)
	if err != nil {
		// Exhaustion settles the instance in failed so diagnostics name the
		// attempted range.
		lo, hi := s.ports.Range()
		s.mu.Lock()
		inst, ok := s.instances[name]
		if !ok {
			inst = &Instance{Name: name}
			s.instances[name] = inst
		}
		s.mu.Unlock()
		s.fail(inst, &Diagnostic{
			ExitCode:       -1,
			Classification: ReasonPortInUse,
			Remediation:    remediations[ReasonPortInUse],
			Probes: map[string]string{
				"attempted_range": fmt.Sprintf("[%d, %d)", lo, hi),
			},
			CollectedAt: time.Now(),
		})
		return nil, err
	}

	inst := &Instance{
		Name:      name,
		State:     StateStarting,
		Port:      port,
		Restarts:  restarts,
		StartedAt: time.Now(),
		manifest:  manifest,
		stdout:    newTailBuffer(captureLimit),
		stderr:    newTailBuffer(captureLimit),
		exited:    make(chan struct{}),
	}
	s.mu.Lock()
	s.instances[name] = inst
	s.mu.Unlock()

	if err := s.spawn(inst, rec); err != nil {
		s.ports.Release(port)
		s.fail(inst, diagnoseSpawnError(rec, err))
		return nil, err
	}

	go s.reap(inst, rec)

	if err := s.awaitReady(ctx, inst); err != nil {
		s.terminate(inst)
		s.ports.Release(port)
		s.fail(inst, s.diagnose(inst, rec))
		return nil, fmt.Errorf("agent %s failed to become ready: %w", name, err)
	}

	s.mu.Lock()
	inst.State = StateRunning
	s.mu.Unlock()

	slog.Info("agent started", "agent", name, "port", port, "pid", inst.PID)
	view := s.view(inst)
	return &view, nil
}

func (s *Supervisor) allocatePort(manifest *config.Manifest) (int, error) {
	if manifest.Deployment.Port > 0 {
		return s.ports.AcquireSpecific(manifest.Deployment.Port)
	}
	return s.ports.Acquire()
}

// spawn builds and starts the child process. The entry point runs from the
// install dir with the sandbox's bin ahead of PATH; a bundle without an entry
// point runs this binary's own agent runtime.
func (s *Supervisor) spawn(inst *Instance, rec *checksum.Record) error {
	manifest := inst.manifest
	installDir := rec.InstallDir
	sandboxBin := filepath.Join(installDir, provision.SandboxDir, "bin")
	hasSandbox := dirExists(filepath.Join(installDir, provision.SandboxDir))

	var cmd *exec.Cmd
	entry := manifest.Agent.EntryPoint
	switch {
	case entry == "":
		cmd = exec.Command(s.selfExe, "agent", "--manifest", rec.ManifestPath)
	case strings.HasSuffix(entry, ".py") && hasSandbox:
		cmd = exec.Command(filepath.Join(sandboxBin, "python"), entry, rec.ManifestPath)
	default:
		cmd = exec.Command(filepath.Join(installDir, entry), rec.ManifestPath)
	}

	cmd.Dir = installDir
	cmd.Env = append(os.Environ(), fmt.Sprintf("%s=%d", PortEnvVar, inst.Port))
	if s.sessionTimeout > 0 {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", SessionTimeoutEnvVar, s.sessionTimeout))
	}
	if hasSandbox {
		cmd.Env = append(cmd.Env,
			"VIRTUAL_ENV="+filepath.Join(installDir, provision.SandboxDir),
			"PATH="+sandboxBin+string(os.PathListSeparator)+os.Getenv("PATH"),
		)
	}
	cmd.Stdout = inst.stdout
	cmd.Stderr = inst.stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to spawn agent %s: %w", inst.Name, err)
	}
	inst.cmd = cmd
	inst.PID = cmd.Process.Pid
	return nil
}

// reap waits for the child and applies the restart policy when it dies while
// supposed to be running.
func (s *Supervisor) reap(inst *Instance, rec *checksum.Record) {
	err := inst.cmd.Wait()
	close(inst.exited)

	s.mu.Lock()
	state := inst.State
	s.mu.Unlock()

	// Deliberate stops arrive through Stop, which moves the state first.
	if state == StateStopping || state == StateStopped {
		return
	}
	if state == StateStarting {
		// Readiness polling observes the exit and produces the diagnostic.
		return
	}

	slog.Warn("agent exited unexpectedly", "agent", inst.Name, "error", err)
	s.ports.Release(inst.Port)

	manifest := inst.manifest
	if s.restartOn && manifest.Deployment.AutoRestart && inst.Restarts < manifest.Deployment.RestartCap() {
		delay := manifest.Deployment.RestartDelayDuration()
		slog.Info("restarting agent",
			"agent", inst.Name,
			"attempt", inst.Restarts+1,
			"cap", manifest.Deployment.RestartCap(),
			"delay", delay)
		time.Sleep(delay)

		lock := s.lockFor(inst.Name)
		lock.Lock()
		s.mu.Lock()
		inst.State = StateStopped
		s.mu.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), readinessWindow+s.stopTimeout)
		_, startErr := s.start(ctx, inst.Name, inst.Restarts+1)
		cancel()
		lock.Unlock()

		s.recordLifecycle(context.Background(), "restart", startErr)
		if startErr != nil {
			slog.Error("agent restart failed", "agent", inst.Name, "error", startErr)
		}
		return
	}

	s.fail(inst, s.diagnose(inst, rec))
	slog.Error("agent settled in failed state", "agent", inst.Name, "restarts", inst.Restarts)
}

// awaitReady polls the child's health endpoint until it answers, the child
// exits, or the window elapses.
func (s *Supervisor) awaitReady(ctx context.Context, inst *Instance) error {
	if s.readyProbe != nil {
		return s.readyProbe(ctx, inst.Port)
	}

	url := fmt.Sprintf("http://127.0.0.1:%d/health", inst.Port)
	client := &http.Client{Timeout: readinessPoll}
	deadline := time.After(readinessWindow)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-inst.exited:
			return fmt.Errorf("process exited during startup")
		case <-deadline:
			return fmt.Errorf("no health response within %s", readinessWindow)
		case <-time.After(readinessPoll):
			resp, err := client.Get(url)
			if err != nil {
				continue
			}
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
	}
}

// Monitor probes the health endpoint of every running agent at the given
// interval until ctx is cancelled. After unhealthyThreshold consecutive
// misses the instance is terminated; the reaper then applies the manifest
// restart policy.
func (s *Supervisor) Monitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	client := &http.Client{Timeout: 2 * time.Second}
	misses := make(map[string]int)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		running := make([]*Instance, 0, len(s.instances))
		for _, inst := range s.instances {
			if inst.State == StateRunning {
				running = append(running, inst)
			}
		}
		s.mu.Unlock()

		seen := make(map[string]bool, len(running))
		for _, inst := range running {
			seen[inst.Name] = true
			if probeHealth(client, inst.Port) {
				misses[inst.Name] = 0
				continue
			}
			misses[inst.Name]++
			slog.Warn("agent health probe missed",
				"agent", inst.Name,
				"consecutive", misses[inst.Name])
			if misses[inst.Name] >= unhealthyThreshold {
				slog.Error("agent unresponsive, terminating", "agent", inst.Name)
				misses[inst.Name] = 0
				s.terminate(inst)
			}
		}
		for name := range misses {
			if !seen[name] {
				delete(misses, name)
			}
		}
	}
}

// probeHealth is one liveness check against a child's health endpoint.
func probeHealth(client *http.Client, port int) bool {
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/health", port))
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Stop terminates the named agent. Stopping a stopped agent is a no-op.
func (s *Supervisor) Stop(ctx context.Context, name string) error {
	lock := s.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	err := s.stop(name)
	s.recordLifecycle(ctx, "stop", err)
	return err
}

func (s *Supervisor) stop(name string) error {
	s.mu.Lock()
	inst, ok := s.instances[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown agent: %s", name)
	}
	if inst.State != StateRunning && inst.State != StateStarting {
		s.mu.Unlock()
		return nil
	}
	inst.State = StateStopping
	s.mu.Unlock()

	s.terminate(inst)
	s.ports.Release(inst.Port)

	s.mu.Lock()
	inst.State = StateStopped
	inst.PID = 0
	s.mu.Unlock()

	slog.Info("agent stopped", "agent", name)
	return nil
}

// terminate sends SIGTERM, waits out the grace period, then SIGKILLs.
func (s *Supervisor) terminate(inst *Instance) {
	if inst.cmd == nil || inst.cmd.Process == nil {
		return
	}
	inst.cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-inst.exited:
		return
	case <-time.After(s.stopTimeout):
		slog.Warn("agent ignored SIGTERM, killing", "agent", inst.Name, "pid", inst.PID)
		inst.cmd.Process.Kill()
		<-inst.exited
	}
}

// Restart is stop then start under one name lock.
func (s *Supervisor) Restart(ctx context.Context, name string) (*StatusView, error) {
	lock := s.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	if err := s.stop(name); err != nil {
		s.recordLifecycle(ctx, "restart", err)
		return nil, err
	}
	view, err := s.start(ctx, name, 0)
	s.recordLifecycle(ctx, "restart", err)
	return view, err
}

// StopAll terminates every running agent in parallel.
func (s *Supervisor) StopAll(ctx context.Context) error {
	s.mu.Lock()
	names := make([]string, 0, len(s.instances))
	for name, inst := range s.instances {
		if inst.State == StateRunning || inst.State == StateStarting {
			names = append(names, name)
		}
	}
	s.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, name := range names {
		name := name
		g.Go(func() error {
			return s.Stop(ctx, name)
		})
	}
	return g.Wait()
}

func (s *Supervisor) fail(inst *Instance, diag *Diagnostic) {
	s.mu.Lock()
	inst.State = StateFailed
	inst.Diagnostic = diag
	s.mu.Unlock()
}

func (s *Supervisor) recordLifecycle(ctx context.Context, op string, err error) {
	if s.metrics == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	s.metrics.RecordLifecycle(ctx, op, result)
}

// Status returns the instance view for one name.
func (s *Supervisor) Status(name string) (*StatusView, error) {
	s.mu.Lock()
	inst, ok := s.instances[name]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown agent: %s", name)
	}
	view := s.view(inst)
	return &view, nil
}

// List returns views for every known instance.
func (s *Supervisor) List() []StatusView {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StatusView, 0, len(s.instances))
	for _, inst := range s.instances {
		out = append(out, s.viewLocked(inst))
	}
	return out
}

// StateCounts returns instance counts per state, for the agents gauge.
func (s *Supervisor) StateCounts() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[string]int64)
	for _, inst := range s.instances {
		counts[string(inst.State)]++
	}
	return counts
}

func (s *Supervisor) view(inst *Instance) StatusView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked(inst)
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
