// Package provision turns an uploaded bundle into a registered, runnable
// agent: content-hash dedup, archive extraction, dependency sandbox creation,
// and checksum index registration.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/skiffhq/skiff/pkg/checksum"
	"github.com/skiffhq/skiff/pkg/config"
	"github.com/skiffhq/skiff/pkg/observability"
)

// SandboxDir is the per-agent dependency sandbox inside the install dir.
const SandboxDir = "env"

// RequirementsFile is the conventional dependency list at the bundle root.
const RequirementsFile = "requirements.txt"

// InstallError carries the captured installer output for diagnostics.
type InstallError struct {
	Output string
	Err    error
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("dependency_install_failed: %v", e.Err)
}

func (e *InstallError) Unwrap() error { return e.Err }

// Result is the outcome of a Provision call.
type Result struct {
	Record   *checksum.Record
	Manifest *config.Manifest
	// Cached is true when the same bytes were already deployed and force was
	// not set; nothing on disk changed.
	Cached bool
}

// Provisioner owns the agent state root and the provisioning pipeline.
type Provisioner struct {
	stateRoot string
	index     *checksum.Index
	metrics   *observability.Metrics
	python    string
}

// Option configures a Provisioner.
type Option func(*Provisioner)

// WithPython overrides the interpreter used to create sandboxes.
func WithPython(path string) Option {
	return func(p *Provisioner) { p.python = path }
}

// WithMetrics attaches deployment metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(p *Provisioner) { p.metrics = m }
}

// New creates a Provisioner rooted at stateRoot, registering records in index.
func New(stateRoot string, index *checksum.Index, opts ...Option) *Provisioner {
	p := &Provisioner{
		stateRoot: stateRoot,
		index:     index,
		python:    "python3",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// AgentsDir is where extracted bundles live.
func (p *Provisioner) AgentsDir() string {
	return filepath.Join(p.stateRoot, "agents")
}

// Provision runs the full pipeline over raw bundle bytes. nameOverride, when
// non-empty, must match the manifest's agent.name.
func (p *Provisioner) Provision(ctx context.Context, zipBytes []byte, nameOverride string, force bool) (*Result, error) {
	totalStart := time.Now()

	hash := checksum.Hash(zipBytes)

	if existing, err := p.index.Lookup(hash); err == nil && !force {
		p.metrics.RecordChecksumLookup(ctx, true)
		p.metrics.RecordDeployment(ctx, "cached")
		slog.Info("bundle already deployed", "agent", existing.Name, "hash", hash)
		manifest, err := config.LoadManifest(existing.ManifestPath)
		if err != nil {
			return nil, fmt.Errorf("cached record %q has unreadable manifest: %w", existing.Name, err)
		}
		return &Result{Record: existing, Manifest: manifest, Cached: true}, nil
	}
	p.metrics.RecordChecksumLookup(ctx, false)

	installDir := filepath.Join(p.AgentsDir(), hash)

	extractStart := time.Now()
	if err := extractZip(zipBytes, installDir); err != nil {
		p.metrics.RecordDeployment(ctx, "failure")
		return nil, err
	}
	p.metrics.RecordDeploymentStage(ctx, "extraction", time.Since(extractStart))

	result, err := p.provisionExtracted(ctx, installDir, hash, nameOverride, force)
	if err != nil {
		p.metrics.RecordDeployment(ctx, "failure")
		p.rollback(installDir, nameOverride, force)
		return nil, err
	}

	// Cached checksum marker next to the install dir.
	marker := filepath.Join(p.AgentsDir(), hash+".md5")
	if err := os.WriteFile(marker, []byte(hash+"\n"), 0644); err != nil {
		slog.Warn("failed to write checksum marker", "path", marker, "error", err)
	}

	p.metrics.RecordDeploymentStage(ctx, "total", time.Since(totalStart))
	p.metrics.RecordDeployment(ctx, "success")
	return result, nil
}

// provisionExtracted finishes provisioning after extraction: manifest, venv,
// dependencies, index registration.
func (p *Provisioner) provisionExtracted(ctx context.Context, installDir, hash, nameOverride string, force bool) (*Result, error) {
	manifestPath, err := config.FindManifest(installDir)
	if err != nil {
		return nil, err
	}

	manifest, err := config.LoadManifest(manifestPath)
	if err != nil {
		return nil, err
	}

	if nameOverride != "" && nameOverride != manifest.Agent.Name {
		return nil, fmt.Errorf("invalid_manifest: requested name %q but manifest declares %q", nameOverride, manifest.Agent.Name)
	}

	if err := p.ensureSandbox(ctx, installDir, manifest); err != nil {
		return nil, err
	}

	record := &checksum.Record{
		Name:         manifest.Agent.Name,
		Hash:         hash,
		InstallDir:   installDir,
		ManifestPath: manifestPath,
		Version:      manifest.Agent.Version,
		Capabilities: manifest.Agent.Capabilities,
		CreatedAt:    time.Now().UTC(),
	}

	if err := p.index.Insert(record, force); err != nil {
		return nil, err
	}

	slog.Info("agent provisioned",
		"agent", record.Name,
		"hash", hash,
		"version", record.Version,
		"install_dir", installDir)

	return &Result{Record: record, Manifest: manifest}, nil
}

// ensureSandbox creates the per-agent virtualenv and installs declared
// dependencies. It is idempotent: an existing sandbox that passes the smoke
// check is reused.
func (p *Provisioner) ensureSandbox(ctx context.Context, installDir string, manifest *config.Manifest) error {
	packages := manifest.Dependencies.Packages
	reqPath := filepath.Join(installDir, RequirementsFile)
	hasReqFile := fileExists(reqPath)

	if len(packages) == 0 && !hasReqFile {
		return nil
	}

	envDir := filepath.Join(installDir, SandboxDir)

	if dirExists(envDir) && p.smokeCheck(ctx, envDir, packages) {
		slog.Debug("reusing existing sandbox", "env", envDir)
		return nil
	}

	sandboxStart := time.Now()
	out, err := runCaptured(ctx, installDir, p.python, "-m", "venv", envDir)
	if err != nil {
		return &InstallError{Output: out, Err: fmt.Errorf("sandbox creation failed: %w", err)}
	}
	p.metrics.RecordDeploymentStage(ctx, "sandbox_creation", time.Since(sandboxStart))

	pip := filepath.Join(envDir, "bin", "pip")
	args := []string{"install", "--disable-pip-version-check"}
	if hasReqFile {
		args = append(args, "-r", reqPath)
	}
	args = append(args, packages...)

	installStart := time.Now()
	out, err = runCaptured(ctx, installDir, pip, args...)
	if err != nil {
		return &InstallError{Output: out, Err: err}
	}
	p.metrics.RecordDeploymentStage(ctx, "dependency_installation", time.Since(installStart))

	slog.Info("dependencies installed", "env", envDir, "packages", len(packages))
	return nil
}

// smokeCheck imports each declared package inside the sandbox. Failure means
// the sandbox must be rebuilt.
func (p *Provisioner) smokeCheck(ctx context.Context, envDir string, packages []string) bool {
	imports := importNames(packages)
	if len(imports) == 0 {
		return true
	}
	python := filepath.Join(envDir, "bin", "python")
	_, err := runCaptured(ctx, filepath.Dir(envDir), python, "-c", "import "+strings.Join(imports, ", "))
	return err == nil
}

// rollback removes the extracted directory after a failed provision, unless a
// prior record exists for the name under force (so a working agent is not
// destroyed by a bad redeploy).
func (p *Provisioner) rollback(installDir, name string, force bool) {
	if force && name != "" && p.index.RecordExists(name) {
		slog.Warn("keeping failed install dir: prior record exists", "agent", name, "dir", installDir)
		return
	}
	if err := os.RemoveAll(installDir); err != nil {
		slog.Warn("rollback failed to remove install dir", "dir", installDir, "error", err)
	}
}

// Remove deletes an agent's record and extracted state.
func (p *Provisioner) Remove(name string) error {
	rec, err := p.index.ByName(name)
	if err != nil {
		if errors.Is(err, checksum.ErrNotFound) {
			return nil
		}
		return err
	}
	if err := p.index.Remove(name); err != nil {
		return err
	}
	os.Remove(filepath.Join(p.AgentsDir(), rec.Hash+".md5"))
	return os.RemoveAll(rec.InstallDir)
}

// importNames maps requirement specs ("foo==1.2", "bar-baz>=2") to their
// importable module names.
func importNames(packages []string) []string {
	var names []string
	for _, spec := range packages {
		name := spec
		for _, sep := range []string{"==", ">=", "<=", "~=", ">", "<", "[", ";", " "} {
			if i := strings.Index(name, sep); i >= 0 {
				name = name[:i]
			}
		}
		name = strings.TrimSpace(strings.ReplaceAll(name, "-", "_"))
		if name != "" {
			names = append(names, name)
		}
	}
	return names
}

func runCaptured(ctx context.Context, dir, command string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return string(out), err
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
