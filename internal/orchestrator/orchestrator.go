// Package orchestrator converges a named DeepStack container to a running,
// health-checked state. Docker unavailability, image pull failures and
// container creation failures are fatal; a health check that never turns
// green is reported through the returned boolean, not an error.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"deepstack-go/internal/config"
	"deepstack-go/internal/docker"

	log "github.com/sirupsen/logrus"
)

var (
	// ErrDockerUnavailable marks an unreachable Docker daemon. This is an
	// environment precondition the caller has to fix, so it is never retried.
	ErrDockerUnavailable = errors.New("docker daemon unavailable")
	// ErrImagePull marks a failed image pull.
	ErrImagePull = errors.New("image pull failed")
	// ErrContainerCreate marks a failed container creation.
	ErrContainerCreate = errors.New("container creation failed")
)

// ContainerState is the observed state of the managed container, derived on
// demand and never stored.
type ContainerState int

const (
	StateAbsent ContainerState = iota
	StateStoppedExists
	StateRunningUnhealthy
	StateRunningHealthy
)

func (s ContainerState) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateStoppedExists:
		return "stopped"
	case StateRunningUnhealthy:
		return "running-unhealthy"
	case StateRunningHealthy:
		return "running-healthy"
	default:
		return "unknown"
	}
}

// settleDelay gives a freshly started or restarted container a moment before
// health polling begins.
const settleDelay = 5 * time.Second

// Orchestrator brings the configured container to a ready state.
type Orchestrator struct {
	cli   *docker.CLI
	probe Probe
	cfg   config.ServiceConfig
	log   *log.Entry

	// sleep is swapped out by tests.
	sleep func(time.Duration)
}

// New creates an Orchestrator for the given container configuration.
func New(cli *docker.CLI, probe Probe, cfg config.ServiceConfig) *Orchestrator {
	return &Orchestrator{
		cli:   cli,
		probe: probe,
		cfg:   cfg,
		log:   log.WithField("component", "orchestrator").WithField("container", cfg.ContainerName),
		sleep: time.Sleep,
	}
}

// EnsureReady converges the container to a running, healthy state. It is
// idempotent: an already healthy container is left untouched. With force the
// existing container and volume are destroyed and rebuilt first. The returned
// boolean is the final "running and healthy" verdict; exhausting the health
// check budget lowers it to false without raising an error.
func (o *Orchestrator) EnsureReady(ctx context.Context, force bool) (bool, error) {
	version, err := o.cli.ServerVersion(ctx)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrDockerUnavailable, err)
	}
	o.log.Debugf("Docker daemon reachable (server version %s)", version)

	if force {
		o.forceCleanup(ctx)
	}

	if err := o.ensureImage(ctx, force); err != nil {
		return false, err
	}

	id, err := o.cli.ContainerID(ctx, o.cfg.ContainerName, true)
	if err != nil {
		return false, fmt.Errorf("failed to inspect container: %w", err)
	}

	switch {
	case id == "":
		if err := o.createContainer(ctx); err != nil {
			return false, err
		}
	default:
		runningID, err := o.cli.ContainerID(ctx, o.cfg.ContainerName, false)
		if err != nil {
			return false, fmt.Errorf("failed to inspect container: %w", err)
		}
		switch {
		case runningID == "":
			o.log.Info("Container exists but is stopped, starting it")
			if err := o.cli.StartContainer(ctx, o.cfg.ContainerName); err != nil {
				return false, fmt.Errorf("failed to start container: %w", err)
			}
			o.sleep(settleDelay)
		case o.probe.Healthy(ctx):
			o.log.Debug("Container already running and healthy")
			return true, nil
		default:
			o.log.Warn("Container running but unhealthy, restarting it")
			if err := o.cli.RestartContainer(ctx, o.cfg.ContainerName); err != nil {
				return false, fmt.Errorf("failed to restart container: %w", err)
			}
			o.sleep(settleDelay)
		}
	}

	if !o.WaitHealthy(ctx) {
		o.log.Warnf("Service may not be fully ready after %ds", o.cfg.HealthCheckTimeout)
	}

	// Final verdict regardless of the path taken.
	runningID, err := o.cli.ContainerID(ctx, o.cfg.ContainerName, false)
	if err != nil {
		return false, fmt.Errorf("failed to inspect container: %w", err)
	}
	return runningID != "" && o.probe.Healthy(ctx), nil
}

// forceCleanup removes the container and its volume, best effort. Removal
// errors are logged and otherwise ignored so a partial previous state cannot
// block the rebuild.
func (o *Orchestrator) forceCleanup(ctx context.Context) {
	o.log.Info("Force rebuild requested, removing container and volume")
	if err := o.cli.StopContainer(ctx, o.cfg.ContainerName); err != nil {
		o.log.Debugf("Stop during cleanup: %v", err)
	}
	if err := o.cli.RemoveContainer(ctx, o.cfg.ContainerName); err != nil {
		o.log.Debugf("Remove during cleanup: %v", err)
	}
	if err := o.cli.RemoveVolume(ctx, o.cfg.VolumeName); err != nil {
		o.log.Debugf("Volume remove during cleanup: %v", err)
	}
}

func (o *Orchestrator) ensureImage(ctx context.Context, force bool) error {
	image := o.cfg.ResolveImageName()

	present, err := o.cli.ImagePresent(ctx, image)
	if err != nil {
		return fmt.Errorf("failed to check for image %s: %w", image, err)
	}
	if present && !force {
		return nil
	}

	o.log.Infof("Pulling image %s", image)
	if err := o.cli.Pull(ctx, image); err != nil {
		if looksLikeAuthFailure(err) {
			o.log.Warn("Image pull looks like an authentication failure, trying to launch Docker Desktop")
			launchDockerDesktop()
		}
		return fmt.Errorf("%w: %s: %v", ErrImagePull, image, err)
	}
	return nil
}

func (o *Orchestrator) createContainer(ctx context.Context) error {
	exists, err := o.cli.VolumeExists(ctx, o.cfg.VolumeName)
	if err != nil {
		return fmt.Errorf("failed to check volume %s: %w", o.cfg.VolumeName, err)
	}
	if !exists {
		o.log.Infof("Creating volume %s", o.cfg.VolumeName)
		if err := o.cli.CreateVolume(ctx, o.cfg.VolumeName); err != nil {
			return fmt.Errorf("failed to create volume %s: %w", o.cfg.VolumeName, err)
		}
	}

	o.log.Infof("Creating container %s (port %d, gpu=%t)", o.cfg.ContainerName, o.cfg.ServicePort, o.cfg.UseGPU)
	id, err := o.cli.RunContainer(ctx, docker.RunOptions{
		Name:       o.cfg.ContainerName,
		Image:      o.cfg.ResolveImageName(),
		VolumeName: o.cfg.VolumeName,
		HostPort:   o.cfg.ServicePort,
		MountPath:  o.cfg.FacesPath,
		UseGPU:     o.cfg.UseGPU,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrContainerCreate, err)
	}
	o.log.Debugf("Created container %s", id)
	return nil
}

// WaitHealthy polls the health probe every HealthCheckInterval seconds for up
// to floor(HealthCheckTimeout / HealthCheckInterval) attempts. Returns whether
// the service became healthy within the budget.
func (o *Orchestrator) WaitHealthy(ctx context.Context) bool {
	interval := time.Duration(o.cfg.HealthCheckInterval) * time.Second
	attempts := o.cfg.HealthCheckTimeout / o.cfg.HealthCheckInterval

	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return false
		}
		if o.probe.Healthy(ctx) {
			o.log.Debugf("Service healthy after %d attempt(s)", i+1)
			return true
		}
		o.sleep(interval)
	}
	return false
}

// Restart restarts the managed container and waits for the settle delay.
func (o *Orchestrator) Restart(ctx context.Context) error {
	if err := o.cli.RestartContainer(ctx, o.cfg.ContainerName); err != nil {
		return fmt.Errorf("failed to restart container: %w", err)
	}
	o.sleep(settleDelay)
	return nil
}

// Exec runs a shell command inside the managed container.
func (o *Orchestrator) Exec(ctx context.Context, command string) (string, error) {
	return o.cli.Exec(ctx, o.cfg.ContainerName, command)
}

// State derives the current container state.
func (o *Orchestrator) State(ctx context.Context) (ContainerState, error) {
	id, err := o.cli.ContainerID(ctx, o.cfg.ContainerName, true)
	if err != nil {
		return StateAbsent, err
	}
	if id == "" {
		return StateAbsent, nil
	}
	runningID, err := o.cli.ContainerID(ctx, o.cfg.ContainerName, false)
	if err != nil {
		return StateAbsent, err
	}
	if runningID == "" {
		return StateStoppedExists, nil
	}
	if o.probe.Healthy(ctx) {
		return StateRunningHealthy, nil
	}
	return StateRunningUnhealthy, nil
}

func looksLikeAuthFailure(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"auth", "unauthorized", "denied", "login"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// launchDockerDesktop starts the Docker Desktop application as a remediation
// hint for registry auth failures. Best effort; the pull failure is surfaced
// regardless.
func launchDockerDesktop() {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", "-a", "Docker")
	case "windows":
		cmd = exec.Command("cmd", "/c", "start", "", "Docker Desktop")
	default:
		return
	}
	if err := cmd.Start(); err != nil {
		log.Debugf("Could not launch Docker Desktop: %v", err)
	}
}
