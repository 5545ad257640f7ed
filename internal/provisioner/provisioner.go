// Package provisioner implements the Environment Provisioner (spec §4.A):
// it creates and reconciles the per-script runtime directory, writes the
// script source and dependency manifest, builds or reuses an isolated
// Python virtualenv, installs dependencies into it, and reports back each
// dependency's actually-installed version.
//
// Grounded on original_source/backend/script_manager.py
// (setup_environment, _run_pip, has_uninstalled_dependencies,
// get_installed_versions), re-expressed with os/exec and context.Context
// the way the teacher's cmd/main.go and the pack's script-runner examples
// issue subprocess calls.
package provisioner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/pytask-manager/engine/internal/errors"
	"github.com/pytask-manager/engine/internal/logger"
	"github.com/pytask-manager/engine/internal/models"
)

// Provisioner builds and reconciles per-script runtime directories under a
// single scripts root directory.
type Provisioner struct {
	scriptsDir string
}

// New returns a Provisioner rooted at scriptsDir.
func New(scriptsDir string) *Provisioner {
	return &Provisioner{scriptsDir: scriptsDir}
}

// ScriptDir returns <scripts_dir>/<script_id>/.
func (p *Provisioner) ScriptDir(scriptID int64) string {
	return filepath.Join(p.scriptsDir, fmt.Sprintf("%d", scriptID))
}

func (p *Provisioner) venvDir(scriptID int64) string {
	return filepath.Join(p.ScriptDir(scriptID), "venv")
}

// PythonPath returns the path to the script's venv interpreter.
func (p *Provisioner) PythonPath(scriptID int64) string {
	if runtime.GOOS == "windows" {
		return filepath.Join(p.venvDir(scriptID), "Scripts", "python.exe")
	}
	return filepath.Join(p.venvDir(scriptID), "bin", "python")
}

// ScriptPath returns <scripts_dir>/<script_id>/script.py, the path the
// Process Runner launches as the child's argv[1].
func (p *Provisioner) ScriptPath(scriptID int64) string {
	return p.scriptPath(scriptID)
}

func (p *Provisioner) scriptPath(scriptID int64) string {
	return filepath.Join(p.ScriptDir(scriptID), "script.py")
}

func (p *Provisioner) manifestPath(scriptID int64) string {
	return filepath.Join(p.ScriptDir(scriptID), "requirements.manifest")
}

func (p *Provisioner) installLogPath(scriptID int64) string {
	return filepath.Join(p.ScriptDir(scriptID), "install.log")
}

func (p *Provisioner) installFinishedPath(scriptID int64) string {
	return filepath.Join(p.ScriptDir(scriptID), "install.finished")
}

func (p *Provisioner) installOKPath(scriptID int64) string {
	return filepath.Join(p.ScriptDir(scriptID), "install.ok")
}

// Reconcile runs the full algorithm of spec §4.A steps 1-6: it ensures the
// runtime directory and venv exist, writes script + manifest, installs
// dependencies, and updates each Dependency's InstalledVersion in place.
// Callers are responsible for persisting the updated Dependency rows.
func (p *Provisioner) Reconcile(ctx context.Context, script *models.Script) error {
	log := logger.Provisioner()
	log.Info().Int64("script_id", script.ID).Msg("reconciling environment")

	scriptDir := p.ScriptDir(script.ID)
	if err := os.MkdirAll(scriptDir, 0o755); err != nil {
		return errors.ProvisionError(fmt.Errorf("create script dir: %w", err))
	}

	if err := p.writeScriptAtomically(script.ID, script.Content); err != nil {
		return errors.ProvisionError(err)
	}

	if err := p.writeManifest(script.ID, script.Dependencies); err != nil {
		return errors.ProvisionError(err)
	}

	if _, err := os.Stat(p.PythonPath(script.ID)); err != nil {
		if err := p.createVenv(ctx, script.ID); err != nil {
			return errors.ProvisionError(err)
		}
	}

	if err := p.install(ctx, script.ID); err != nil {
		return errors.ProvisionError(err)
	}

	installed, err := p.installedVersions(ctx, script.ID)
	if err != nil {
		return errors.ProvisionError(err)
	}

	for _, dep := range script.Dependencies {
		for name, version := range installed {
			if strings.EqualFold(name, dep.PackageName) {
				dep.InstalledVersion = version
				break
			}
		}
	}

	log.Info().Int64("script_id", script.ID).Msg("environment reconciled")
	return nil
}

// writeScriptAtomically satisfies spec §4.A step 2: write-temp + rename.
func (p *Provisioner) writeScriptAtomically(scriptID int64, content string) error {
	dst := p.scriptPath(scriptID)
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write script temp file: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("rename script into place: %w", err)
	}
	return nil
}

// writeManifest serializes dependencies per spec §4.A step 3.
func (p *Provisioner) writeManifest(scriptID int64, deps []*models.Dependency) error {
	lines := make([]string, 0, len(deps))
	for _, dep := range deps {
		lines = append(lines, dep.ManifestLine())
	}
	content := strings.Join(lines, "\n")
	if len(lines) > 0 {
		content += "\n"
	}
	return os.WriteFile(p.manifestPath(scriptID), []byte(content), 0o644)
}

func (p *Provisioner) createVenv(ctx context.Context, scriptID int64) error {
	cmd := exec.CommandContext(ctx, "python3", "-m", "venv", p.venvDir(scriptID))
	cmd.Dir = p.ScriptDir(scriptID)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("create venv: %w: %s", err, string(out))
	}

	upgrade := exec.CommandContext(ctx, p.PythonPath(scriptID), "-m", "pip", "install", "--upgrade", "pip")
	upgrade.Dir = p.ScriptDir(scriptID)
	if out, err := upgrade.CombinedOutput(); err != nil {
		return fmt.Errorf("upgrade pip: %w: %s", err, string(out))
	}
	return nil
}

// install runs `pip install -r requirements.manifest`, appending transcript
// to install.log and writing install.ok / install.finished per spec §4.A
// step 5.
func (p *Provisioner) install(ctx context.Context, scriptID int64) error {
	logFile, err := os.OpenFile(p.installLogPath(scriptID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open install log: %w", err)
	}
	defer logFile.Close()

	os.Remove(p.installOKPath(scriptID))
	os.Remove(p.installFinishedPath(scriptID))

	cmd := exec.CommandContext(ctx, p.PythonPath(scriptID), "-m", "pip", "install", "-r", p.manifestPath(scriptID))
	cmd.Dir = p.ScriptDir(scriptID)
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	runErr := cmd.Run()

	// install.finished is touched last regardless of outcome; install.ok
	// only on success.
	defer os.WriteFile(p.installFinishedPath(scriptID), nil, 0o644)

	if runErr != nil {
		return fmt.Errorf("pip install failed: %w", runErr)
	}
	if err := os.WriteFile(p.installOKPath(scriptID), nil, 0o644); err != nil {
		return fmt.Errorf("write install.ok: %w", err)
	}
	return nil
}

type pipPackage struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// installedVersions queries the venv for its reported package set (spec
// §4.A step 6).
func (p *Provisioner) installedVersions(ctx context.Context, scriptID int64) (map[string]string, error) {
	if _, err := os.Stat(p.PythonPath(scriptID)); err != nil {
		return map[string]string{}, nil
	}

	cmd := exec.CommandContext(ctx, p.PythonPath(scriptID), "-m", "pip", "list", "--format=json")
	cmd.Dir = p.ScriptDir(scriptID)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("pip list: %w", err)
	}

	var pkgs []pipPackage
	if err := json.Unmarshal(stdout.Bytes(), &pkgs); err != nil {
		return nil, fmt.Errorf("parse pip list output: %w", err)
	}

	out := make(map[string]string, len(pkgs))
	for _, pkg := range pkgs {
		out[pkg.Name] = pkg.Version
	}
	return out, nil
}

// HasUninstalledDependencies implements spec §4.A's
// has_uninstalled_dependencies: true when the runtime is missing, any
// declared package is absent from the reported set, or any
// InstalledVersion is empty. Case-insensitive name match.
func (p *Provisioner) HasUninstalledDependencies(ctx context.Context, script *models.Script) bool {
	if _, err := os.Stat(p.PythonPath(script.ID)); err != nil {
		return true
	}

	installed, err := p.installedVersions(ctx, script.ID)
	if err != nil {
		logger.Provisioner().Warn().Err(err).Int64("script_id", script.ID).Msg("failed to query installed packages")
		return true
	}

	lower := make(map[string]string, len(installed))
	for name, version := range installed {
		lower[strings.ToLower(name)] = version
	}

	for _, dep := range script.Dependencies {
		version, ok := lower[strings.ToLower(dep.PackageName)]
		if !ok || version == "" {
			return true
		}
	}
	return false
}

// OutdatedDependencies reports packages with a newer version available.
// Supplemented from script_manager.py's check_dependencies; not run on any
// schedule by the engine itself (SPEC_FULL.md §5).
func (p *Provisioner) OutdatedDependencies(ctx context.Context, scriptID int64) ([]string, error) {
	if _, err := os.Stat(p.PythonPath(scriptID)); err != nil {
		return nil, nil
	}

	cmd := exec.CommandContext(ctx, p.PythonPath(scriptID), "-m", "pip", "list", "--outdated", "--format=json")
	cmd.Dir = p.ScriptDir(scriptID)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("pip list --outdated: %w", err)
	}

	var pkgs []struct {
		Name          string `json:"name"`
		Version       string `json:"version"`
		LatestVersion string `json:"latest_version"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &pkgs); err != nil {
		return nil, fmt.Errorf("parse pip list --outdated output: %w", err)
	}

	out := make([]string, 0, len(pkgs))
	for _, pkg := range pkgs {
		out = append(out, fmt.Sprintf("%s (%s -> %s)", pkg.Name, pkg.Version, pkg.LatestVersion))
	}
	return out, nil
}

// installPollInterval bounds how long the subscribe_install tailer can go
// between checks of install.log/install.finished (spec §5: hot loops must
// yield at least every 100ms when idle).
const installPollInterval = 100 * time.Millisecond

// TailInstallLog implements the subscribe_install interface of spec §6: it
// streams install.log line-by-line, growing-file style, until
// install.finished appears, then reports success via install.ok. send is
// called once per complete line (no trailing newline) and once more with
// the literal "STATUS: SUCCESS" or "STATUS: FAILURE" terminal line.
func (p *Provisioner) TailInstallLog(ctx context.Context, scriptID int64, send func(string) error) error {
	logPath := p.installLogPath(scriptID)

	var f *os.File
	for {
		var err error
		f, err = os.Open(logPath)
		if err == nil {
			break
		}
		if !os.IsNotExist(err) {
			return fmt.Errorf("open install log: %w", err)
		}
		if _, ferr := os.Stat(p.installFinishedPath(scriptID)); ferr == nil {
			// Installation finished before the log file ever appeared.
			return p.sendInstallStatus(scriptID, send)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(installPollInterval):
		}
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	var partial strings.Builder

	for {
		line, err := reader.ReadString('\n')
		partial.WriteString(line)

		if err == nil {
			if serr := send(strings.TrimSuffix(partial.String(), "\n")); serr != nil {
				return serr
			}
			partial.Reset()
			continue
		}
		if err != io.EOF {
			return fmt.Errorf("read install log: %w", err)
		}

		if _, ferr := os.Stat(p.installFinishedPath(scriptID)); ferr == nil {
			if partial.Len() > 0 {
				if serr := send(partial.String()); serr != nil {
					return serr
				}
			}
			return p.sendInstallStatus(scriptID, send)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(installPollInterval):
		}
	}
}

func (p *Provisioner) sendInstallStatus(scriptID int64, send func(string) error) error {
	status := "FAILURE"
	if _, err := os.Stat(p.installOKPath(scriptID)); err == nil {
		status = "SUCCESS"
	}
	return send("STATUS: " + status)
}

// UninstallDependency removes a package from the script's venv. Supplemented
// from script_manager.py's uninstall_dependency, supporting reconciliation
// when the CRUD layer removes a declared Dependency.
func (p *Provisioner) UninstallDependency(ctx context.Context, scriptID int64, packageName string) error {
	if _, err := os.Stat(p.venvDir(scriptID)); err != nil {
		return errors.ProvisionError(fmt.Errorf("venv not found for script %d", scriptID))
	}

	cmd := exec.CommandContext(ctx, p.PythonPath(scriptID), "-m", "pip", "uninstall", "-y", packageName)
	cmd.Dir = p.ScriptDir(scriptID)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return errors.ProvisionError(fmt.Errorf("uninstall %s: %w: %s", packageName, err, string(out)))
	}
	return nil
}
