// Package container implements the container-lifecycle adapter of spec
// §4.8: a thin subprocess wrapper around a compose-style runtime. The
// templated-command shape (build an argv, run it, capture output) follows
// lazydocker's pkg/commands.Project/Service, generalized from lazydocker's
// user-configurable command templates to the fixed verb set this spec
// names (up -d, down, restart, ps --format json, logs, exec).
package container

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/duckclient/duckclient/internal/duckerr"
)

// Status is one of the values spec §4.8 enumerates for ServiceInfo.status.
type Status string

const (
	StatusRunning    Status = "running"
	StatusStopped    Status = "stopped"
	StatusCreated    Status = "created"
	StatusRestarting Status = "restarting"
	StatusCompleted  Status = "completed"
	StatusUnknown    Status = "unknown"
)

// ServiceInfo is one row of `list_services_status`.
type ServiceInfo struct {
	Name   string   `json:"name"`
	Status Status   `json:"status"`
	Image  string   `json:"image"`
	Ports  []string `json:"ports"`
}

// OverallState is HealthReport's aggregate verdict.
type OverallState string

const (
	StateAllRunning     OverallState = "all_running"
	StatePartialRunning OverallState = "partially_running"
	StateAllStopped     OverallState = "all_stopped"
	StateStarting       OverallState = "starting"
	StateUnknown        OverallState = "unknown"
	StateNoContainer    OverallState = "no_container"
)

// HealthReport is the output of health_check and wait_until_settled.
type HealthReport struct {
	Overall  OverallState
	Services []ServiceInfo
	Errors   []string
}

const (
	settleInterval        = 2 * time.Second
	defaultSettleDeadline = 5 * time.Minute
	stopConfirmSamples    = 3
)

// Runner abstracts process execution so tests can substitute a fake
// compose binary.
type Runner interface {
	Run(ctx context.Context, args ...string) (stdout string, err error)
}

// execRunner shells out to the real runtime binary (e.g. "docker").
type execRunner struct {
	binary string
}

func (r execRunner) Run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, r.binary, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.String(), err
}

// Adapter is the container-lifecycle adapter bound to one compose file.
type Adapter struct {
	composePath  string
	runner       Runner
	logger       *slog.Logger
	pollInterval time.Duration

	// oneshotServices names services whose Completed status with exit
	// code 0 counts as healthy rather than as down (spec §4.8).
	oneshotServices map[string]bool
}

// New builds an Adapter for composePath, running commands through binary
// (typically "docker"). Every command is passed "compose" as its first
// argument, so binary must accept a compose subcommand.
func New(composePath, binary string, oneshotServices []string, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	if binary == "" {
		binary = "docker"
	}
	oneshots := make(map[string]bool, len(oneshotServices))
	for _, s := range oneshotServices {
		oneshots[s] = true
	}
	return &Adapter{composePath: composePath, runner: execRunner{binary: binary}, logger: logger, oneshotServices: oneshots, pollInterval: settleInterval}
}

// WithRunner overrides the process runner, for tests.
func (a *Adapter) WithRunner(r Runner) *Adapter {
	a.runner = r
	return a
}

// WithPollInterval overrides the polling cadence used by StopServices and
// WaitUntilSettled, for tests.
func (a *Adapter) WithPollInterval(d time.Duration) *Adapter {
	a.pollInterval = d
	return a
}

func (a *Adapter) compose(ctx context.Context, args ...string) (string, error) {
	full := append([]string{"compose", "-f", a.composePath}, args...)
	out, err := a.runner.Run(ctx, full...)
	if err != nil {
		return out, duckerr.New(duckerr.KindContainerRuntime, "container."+args[0], fmt.Errorf("%w: %s", err, out)).WithPath(a.composePath)
	}
	return out, nil
}

// StopServices implements spec's stop_services: issues "down" then polls
// until list_services_status reports no Running entries for three
// consecutive samples.
func (a *Adapter) StopServices(ctx context.Context) error {
	if _, err := a.compose(ctx, "down"); err != nil {
		return err
	}

	consecutive := 0
	for consecutive < stopConfirmSamples {
		if err := ctx.Err(); err != nil {
			return duckerr.New(duckerr.KindCancelled, "container.StopServices", err)
		}
		services, err := a.ListServicesStatus(ctx)
		if err != nil {
			return err
		}
		if noneRunning(services) {
			consecutive++
		} else {
			consecutive = 0
		}
		time.Sleep(a.pollInterval)
	}
	return nil
}

func noneRunning(services []ServiceInfo) bool {
	for _, s := range services {
		if s.Status == StatusRunning {
			return false
		}
	}
	return true
}

// StartServices implements start_services: `up -d`.
func (a *Adapter) StartServices(ctx context.Context) error {
	_, err := a.compose(ctx, "up", "-d")
	return err
}

// RestartServices implements restart_services: `restart`.
func (a *Adapter) RestartServices(ctx context.Context) error {
	_, err := a.compose(ctx, "restart")
	return err
}

// RestartService restarts a single named service.
func (a *Adapter) RestartService(ctx context.Context, name string) error {
	_, err := a.compose(ctx, "restart", name)
	return err
}

type psEntry struct {
	Name    string `json:"Name"`
	Service string `json:"Service"`
	State   string `json:"State"`
	Status  string `json:"Status"`
	Image   string `json:"Image"`
	Publishers []struct {
		PublishedPort int `json:"PublishedPort"`
		TargetPort    int `json:"TargetPort"`
	} `json:"Publishers"`
}

// ListServicesStatus implements list_services_status via `ps --format
// json`. Compose emits one JSON object per line (not a JSON array).
func (a *Adapter) ListServicesStatus(ctx context.Context) ([]ServiceInfo, error) {
	out, err := a.compose(ctx, "ps", "--format", "json")
	if err != nil {
		return nil, err
	}

	var services []ServiceInfo
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var entry psEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue // tolerate stray log lines mixed into stdout
		}
		name := entry.Service
		if name == "" {
			name = entry.Name
		}
		ports := make([]string, 0, len(entry.Publishers))
		for _, p := range entry.Publishers {
			ports = append(ports, fmt.Sprintf("%d:%d", p.PublishedPort, p.TargetPort))
		}
		services = append(services, ServiceInfo{
			Name:   name,
			Status: normalizeStatus(entry.State),
			Image:  entry.Image,
			Ports:  ports,
		})
	}
	return services, nil
}

func normalizeStatus(raw string) Status {
	switch strings.ToLower(raw) {
	case "running":
		return StatusRunning
	case "exited":
		return StatusCompleted
	case "created":
		return StatusCreated
	case "restarting":
		return StatusRestarting
	case "":
		return StatusStopped
	default:
		return StatusUnknown
	}
}

// HealthCheck is a snapshot equivalent of WaitUntilSettled without waiting.
func (a *Adapter) HealthCheck(ctx context.Context) (HealthReport, error) {
	services, err := a.ListServicesStatus(ctx)
	if err != nil {
		return HealthReport{Overall: StateUnknown, Errors: []string{err.Error()}}, err
	}
	return a.summarize(services), nil
}

// WaitUntilSettled samples status every 2s until every non-oneshot service
// is Running or the deadline passes (spec §4.8; default 5 minutes).
func (a *Adapter) WaitUntilSettled(ctx context.Context, deadline time.Duration) (HealthReport, error) {
	if deadline <= 0 {
		deadline = defaultSettleDeadline
	}
	deadlineCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	var last HealthReport
	for {
		services, err := a.ListServicesStatus(deadlineCtx)
		if err != nil {
			return HealthReport{Overall: StateUnknown, Errors: []string{err.Error()}}, err
		}
		last = a.summarize(services)
		if last.Overall == StateAllRunning {
			return last, nil
		}

		select {
		case <-deadlineCtx.Done():
			return last, nil
		case <-time.After(a.pollInterval):
		}
	}
}

func (a *Adapter) summarize(services []ServiceInfo) HealthReport {
	if len(services) == 0 {
		return HealthReport{Overall: StateNoContainer}
	}

	allHealthy := true
	anyRunning := false
	allStopped := true
	for _, s := range services {
		healthy := s.Status == StatusRunning || (a.oneshotServices[s.Name] && s.Status == StatusCompleted)
		if !healthy {
			allHealthy = false
		}
		if s.Status == StatusRunning {
			anyRunning = true
			allStopped = false
		}
		if s.Status != StatusStopped {
			allStopped = false
		}
	}

	switch {
	case allHealthy:
		return HealthReport{Overall: StateAllRunning, Services: services}
	case allStopped:
		return HealthReport{Overall: StateAllStopped, Services: services}
	case anyRunning:
		return HealthReport{Overall: StatePartialRunning, Services: services}
	default:
		return HealthReport{Overall: StateStarting, Services: services}
	}
}

// composeFile is the subset of docker-compose.yml this package needs to
// parse for EnsureHostVolumes.
type composeFile struct {
	Services map[string]struct {
		Volumes []string `yaml:"volumes"`
	} `yaml:"services"`
}

// sensitiveSubpaths get a narrower mode (spec §4.8 "for known sensitive
// subpaths... applies a narrower mode").
var sensitiveSubpaths = map[string]bool{
	"config/database.yml": true,
	"config/secrets":       true,
}

// EnsureHostVolumes reads the compose file and creates each declared
// host-mounted directory, narrowing permissions for sensitive subpaths.
// Directory creation fans out across an errgroup since each mount path is
// independent and mkdirAll implementations (os.MkdirAll included) are safe
// for concurrent use.
func (a *Adapter) EnsureHostVolumes(mkdirAll func(path string, perm uint32) error) error {
	raw, err := os.ReadFile(a.composePath)
	if err != nil {
		return duckerr.New(duckerr.KindIO, "container.EnsureHostVolumes", err).WithPath(a.composePath)
	}

	var cf composeFile
	if err := yaml.Unmarshal(raw, &cf); err != nil {
		return duckerr.New(duckerr.KindIO, "container.EnsureHostVolumes", err).WithPath(a.composePath)
	}

	var g errgroup.Group
	for _, svc := range cf.Services {
		for _, v := range svc.Volumes {
			hostPath := strings.SplitN(v, ":", 2)[0]
			isNamedVolume := !strings.ContainsAny(hostPath, `/\`) && !strings.HasPrefix(hostPath, ".") && !strings.HasPrefix(hostPath, "~")
			if hostPath == "" || strings.Contains(hostPath, "${") || isNamedVolume {
				continue // named volumes and unexpanded vars are not host paths
			}
			mode := uint32(0o755)
			if sensitiveSubpaths[hostPath] {
				mode = 0o700
			}
			g.Go(func() error {
				if err := mkdirAll(hostPath, mode); err != nil {
					return duckerr.New(duckerr.KindIO, "container.EnsureHostVolumes", err).WithPath(hostPath)
				}
				return nil
			})
		}
	}
	return g.Wait()
}
