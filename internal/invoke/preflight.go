package invoke

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/calveira/cpspflow/internal/apperr"
)

// DockerSocket is where the host daemon's control socket must be mounted
// for nested container runs.
const DockerSocket = "/var/run/docker.sock"

// Preflight verifies the environment can run nested GPU containers before
// any subject work starts: docker CLI on PATH, the host socket mounted at
// socket (DockerSocket when empty), and a GPU visible to nvidia-smi. Every
// failure wraps ErrResourceUnavailable so runs fail fast with the right kind.
func Preflight(ctx context.Context, r *Runner, socket string) error {
	if _, err := exec.LookPath("docker"); err != nil {
		return fmt.Errorf("invoke: preflight: %w: docker CLI not found", apperr.ErrResourceUnavailable)
	}

	if socket == "" {
		socket = DockerSocket
	}
	if _, err := os.Stat(socket); err != nil {
		return fmt.Errorf("invoke: preflight: %w: docker socket not mounted at %s", apperr.ErrResourceUnavailable, socket)
	}

	if _, err := r.Run(ctx, Spec{Name: "nvidia-smi", Path: "nvidia-smi", Timeout: 30 * time.Second}); err != nil {
		return fmt.Errorf("invoke: preflight: %w: no GPU visible to nvidia-smi: %v", apperr.ErrResourceUnavailable, err)
	}
	return nil
}

// HostPath translates a path inside this container into the host path
// backing it, by scanning the mount table for a bind mount at exactly that
// path. The nested segmentation container binds host paths, so container
// paths are meaningless to it. An explicit host-path configuration beats
// this lookup; HostPath is the fallback.
func HostPath(containerPath string) (string, error) {
	f, err := os.Open("/proc/self/mountinfo")
	if err != nil {
		return "", fmt.Errorf("invoke: read mount table: %w", err)
	}
	defer f.Close()

	host, ok := hostPathFrom(f, containerPath)
	if !ok {
		return "", fmt.Errorf("invoke: no bind mount found for %s: %w", containerPath, apperr.ErrNotFound)
	}
	return host, nil
}

// hostPathFrom scans mountinfo lines for a mount point equal to
// containerPath and returns the root field, which for a bind mount is the
// source path on the host filesystem.
func hostPathFrom(r io.Reader, containerPath string) (string, bool) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		// id parent major:minor root mount-point ...
		if len(fields) < 5 {
			continue
		}
		if fields[4] == containerPath {
			return fields[3], true
		}
	}
	return "", false
}
