// Package docker wraps the docker command-line client behind a typed API.
// Every method maps to exactly one CLI invocation; stdout is trimmed and
// returned, failures carry the exit code and captured stderr.
package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	log "github.com/sirupsen/logrus"
)

var logFields = log.Fields{
	"component": "docker",
}

// CommandRunner executes a single docker CLI invocation and returns its stdout.
// The default implementation shells out; tests substitute a scripted fake.
type CommandRunner interface {
	Run(ctx context.Context, args ...string) (string, error)
}

// ExitError describes a docker CLI invocation that exited non-zero.
type ExitError struct {
	Args     []string
	ExitCode int
	Stderr   string
	cause    error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("docker %s failed (exit %d): %s", strings.Join(e.Args, " "), e.ExitCode, e.Stderr)
}

func (e *ExitError) Unwrap() error {
	return e.cause
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "docker", args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.WithFields(logFields).Debugf("Running: docker %s", strings.Join(args, " "))

	if err := cmd.Run(); err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return "", &ExitError{
			Args:     args,
			ExitCode: exitCode,
			Stderr:   strings.TrimSpace(stderr.String()),
			cause:    err,
		}
	}
	return strings.TrimSpace(stdout.String()), nil
}

// CLI is a thin typed client over the docker command-line interface.
type CLI struct {
	runner CommandRunner
}

// NewCLI creates a CLI backed by the local docker binary.
func NewCLI() *CLI {
	return &CLI{runner: execRunner{}}
}

// NewCLIWithRunner creates a CLI with a custom runner, used by tests.
func NewCLIWithRunner(r CommandRunner) *CLI {
	return &CLI{runner: r}
}

// ServerVersion queries the Docker daemon version. An error means the daemon
// is unreachable.
func (c *CLI) ServerVersion(ctx context.Context) (string, error) {
	return c.runner.Run(ctx, "version", "--format", "{{.Server.Version}}")
}

// ImagePresent reports whether an image with the given name exists locally.
func (c *CLI) ImagePresent(ctx context.Context, image string) (bool, error) {
	out, err := c.runner.Run(ctx, "images", image, "--format", "{{.Repository}}")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// Pull pulls an image from the registry.
func (c *CLI) Pull(ctx context.Context, image string) error {
	_, err := c.runner.Run(ctx, "pull", image)
	return err
}

// ContainerID returns the ID of the container with the exact given name, or
// an empty string if none matches. With all=true stopped containers are
// included.
func (c *CLI) ContainerID(ctx context.Context, name string, all bool) (string, error) {
	args := []string{"ps"}
	if all {
		args = append(args, "-a")
	}
	args = append(args, "--filter", fmt.Sprintf("name=^%s$", name), "--format", "{{.ID}}")
	return c.runner.Run(ctx, args...)
}

// VolumeExists reports whether a named volume exists.
func (c *CLI) VolumeExists(ctx context.Context, name string) (bool, error) {
	out, err := c.runner.Run(ctx, "volume", "ls", "--filter", fmt.Sprintf("name=^%s$", name), "--format", "{{.Name}}")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// CreateVolume creates a named volume.
func (c *CLI) CreateVolume(ctx context.Context, name string) error {
	_, err := c.runner.Run(ctx, "volume", "create", name)
	return err
}

// RemoveVolume removes a named volume.
func (c *CLI) RemoveVolume(ctx context.Context, name string) error {
	_, err := c.runner.Run(ctx, "volume", "rm", name)
	return err
}

// RunOptions describes the container to create with RunContainer.
type RunOptions struct {
	Name       string
	Image      string
	VolumeName string
	// HostPort is published against the fixed DeepStack service port 5000.
	HostPort int
	// MountPath is the in-container path the volume is mounted at.
	MountPath string
	UseGPU    bool
}

// RunContainer creates and starts a detached DeepStack container with the
// fixed capability environment flags. Returns the new container ID.
func (c *CLI) RunContainer(ctx context.Context, opts RunOptions) (string, error) {
	args := []string{
		"run", "-d",
		"--name", opts.Name,
		"-p", fmt.Sprintf("%d:5000", opts.HostPort),
		"-v", fmt.Sprintf("%s:%s", opts.VolumeName, opts.MountPath),
		"-e", "VISION-FACE=True",
		"-e", "VISION-DETECTION=True",
		"-e", "VISION-SCENE=True",
		"--restart", "unless-stopped",
	}
	if opts.UseGPU {
		args = append(args, "--gpus", "all")
	}
	args = append(args, opts.Image)
	return c.runner.Run(ctx, args...)
}

// StartContainer starts a stopped container.
func (c *CLI) StartContainer(ctx context.Context, name string) error {
	_, err := c.runner.Run(ctx, "start", name)
	return err
}

// StopContainer stops a running container.
func (c *CLI) StopContainer(ctx context.Context, name string) error {
	_, err := c.runner.Run(ctx, "stop", name)
	return err
}

// RemoveContainer removes a container.
func (c *CLI) RemoveContainer(ctx context.Context, name string) error {
	_, err := c.runner.Run(ctx, "rm", name)
	return err
}

// RestartContainer restarts a container.
func (c *CLI) RestartContainer(ctx context.Context, name string) error {
	_, err := c.runner.Run(ctx, "restart", name)
	return err
}

// Exec runs a shell command inside a running container and returns its output.
func (c *CLI) Exec(ctx context.Context, name string, command string) (string, error) {
	return c.runner.Run(ctx, "exec", name, "sh", "-c", command)
}
