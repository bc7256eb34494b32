// Package backend defines the container backend consumed by the execution
// kernel and ships two implementations: a docker CLI adapter and an
// in-memory fake for tests and harnesses without a daemon.
package backend

import (
	"context"
	"time"

	"github.com/orcaops/orcaops/pkg/schema"
)

// JobIDLabel tags every sandbox container with its owning job so leaked
// containers can be found and reaped.
const JobIDLabel = "orcaops.job_id"

// ResourceCaps bounds a sandbox container.
type ResourceCaps struct {
	// CPUs caps cpu shares, in fractional cores. Zero means unlimited.
	CPUs float64

	// MemoryMB caps memory. Zero means unlimited.
	MemoryMB int
}

// SecurityOpts is the hardening vector applied at container create.
type SecurityOpts struct {
	DropAllCapabilities bool
	NoNewPrivileges     bool
	ReadOnlyRootfs      bool
}

// CreateOptions describes a sandbox container to create. The container is
// started with a keep-alive entrypoint; job commands run through Exec.
type CreateOptions struct {
	Image    string
	Name     string
	Env      map[string]string
	Labels   map[string]string
	Network  string
	WorkDir  string
	Security SecurityOpts
	Caps     ResourceCaps
}

// ExecResult is the outcome of one command execution inside a container.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// ResourceSnapshot is a point-in-time resource reading for a container.
type ResourceSnapshot struct {
	CPUPercent      float64
	MemoryMB        float64
	NetRxBytes      int64
	NetTxBytes      int64
	BlockReadBytes  int64
	BlockWriteBytes int64
}

// ContainerInfo identifies a backend container and its labels.
type ContainerInfo struct {
	ID     string
	Name   string
	Labels map[string]string
}

// ContainerBackend is the narrow interface the kernel drives containers
// through. All blocking operations take a context.
type ContainerBackend interface {
	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Pull ensures the image is present locally.
	Pull(ctx context.Context, image string) error

	// ImageDigest returns the repo digest of a local image, empty when
	// unavailable.
	ImageDigest(ctx context.Context, image string) (string, error)

	// Create creates a sandbox container and returns its id.
	Create(ctx context.Context, opts CreateOptions) (string, error)

	// Start starts a created container.
	Start(ctx context.Context, containerID string) error

	// Exec runs one command inside a running container. A non-zero exit
	// code is data, not an error.
	Exec(ctx context.Context, containerID string, cmd schema.Command) (ExecResult, error)

	// Stop stops a container, granting it grace before the kill.
	Stop(ctx context.Context, containerID string, grace time.Duration) error

	// Remove removes a container.
	Remove(ctx context.Context, containerID string, force bool) error

	// CopyFrom copies a path out of the container onto the host.
	CopyFrom(ctx context.Context, containerID, inPath, hostPath string) error

	// Stats returns a resource snapshot for a running container.
	Stats(ctx context.Context, containerID string) (ResourceSnapshot, error)

	// ListMatching expands a glob inside the container and returns the
	// matching paths.
	ListMatching(ctx context.Context, containerID, pattern string) ([]string, error)

	// CreateNetwork creates a named network and returns its id.
	CreateNetwork(ctx context.Context, name string) (string, error)

	// RemoveNetwork removes a named network.
	RemoveNetwork(ctx context.Context, name string) error

	// Connect attaches a container to a network.
	Connect(ctx context.Context, containerID, network string) error

	// ListContainers returns containers carrying the given label, in
	// "key=value" form.
	ListContainers(ctx context.Context, labelSelector string) ([]ContainerInfo, error)
}
