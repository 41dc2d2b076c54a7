package invoke

import "time"

// ContainerSpec describes one nested `docker run` against the host daemon.
// The orchestrator itself runs in a container, so the only control channel
// to the segmentation service is the docker CLI over the mounted host
// socket; data moves through bound host volumes.
type ContainerSpec struct {
	Image string
	Binds []string // host:container volume bindings
	GPUs  bool     // request all host GPUs
	Args  []string // arguments for the image entrypoint
}

// Spec lowers the container run to a docker CLI invocation. Containers are
// always removed on exit; output-file presence, exit code, and the captured
// log are the only signals that cross this boundary.
func (c ContainerSpec) Spec(name string, timeout time.Duration, logPath string) Spec {
	args := []string{"run", "--rm"}
	if c.GPUs {
		args = append(args, "--gpus", "all")
	}
	for _, b := range c.Binds {
		args = append(args, "-v", b)
	}
	args = append(args, c.Image)
	args = append(args, c.Args...)
	return Spec{
		Name:    name,
		Path:    "docker",
		Args:    args,
		Timeout: timeout,
		LogPath: logPath,
	}
}
