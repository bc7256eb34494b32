package backend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/orcaops/orcaops/pkg/domain/errors"
	"github.com/orcaops/orcaops/pkg/schema"
)

// FakeBackend is a deterministic in-memory ContainerBackend for tests and
// harnesses without a docker daemon. It interprets a small command
// vocabulary (echo, true, false, exit, sleep) so lifecycle scenarios run
// unmodified, seeds files for artifact globs, and records every mutation
// for assertions.
type FakeBackend struct {
	mu         sync.Mutex
	containers map[string]*fakeContainer
	networks   map[string]string
	removedIDs []string
	removedNet []string
	pulled     []string
	nextID     int

	// PullFailures maps image to a count of pull attempts that fail with a
	// transient error before succeeding.
	PullFailures map[string]int

	// CreateErr fails every Create when set.
	CreateErr error

	// StopErr fails every Stop when set.
	StopErr error

	// RemoveErr fails every Remove when set.
	RemoveErr error

	// StatsSnapshot is returned by Stats. StatsErr takes precedence.
	StatsSnapshot ResourceSnapshot
	StatsErr      error

	// Digests maps image to its repo digest.
	Digests map[string]string

	// ExecHandler overrides command interpretation when it returns true.
	ExecHandler func(containerID string, cmd schema.Command) (ExecResult, bool)

	// SeededFiles are installed into every created container, path to
	// content.
	SeededFiles map[string][]byte
}

type fakeContainer struct {
	id       string
	name     string
	image    string
	env      map[string]string
	labels   map[string]string
	networks []string
	created  bool
	running  bool
	files    map[string][]byte
	opts     CreateOptions
}

// NewFakeBackend creates an empty fake backend.
func NewFakeBackend() *FakeBackend {
	return &FakeBackend{
		containers:   map[string]*fakeContainer{},
		networks:     map[string]string{},
		PullFailures: map[string]int{},
		Digests:      map[string]string{},
		SeededFiles:  map[string][]byte{},
	}
}

func (f *FakeBackend) Ping(context.Context) error { return nil }

func (f *FakeBackend) Pull(_ context.Context, image string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n := f.PullFailures[image]; n > 0 {
		f.PullFailures[image] = n - 1
		return errors.Newf(errors.CodeImagePullFailed, "fake", "pull %s: connection refused", image)
	}
	f.pulled = append(f.pulled, image)
	return nil
}

func (f *FakeBackend) ImageDigest(_ context.Context, image string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Digests[image], nil
}

func (f *FakeBackend) Create(_ context.Context, opts CreateOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		return "", f.CreateErr
	}

	f.nextID++
	id := fmt.Sprintf("ctr-%04d", f.nextID)
	name := opts.Name
	if name == "" {
		name = id
	}

	files := map[string][]byte{}
	for p, content := range f.SeededFiles {
		files[p] = content
	}

	ctr := &fakeContainer{
		id:      id,
		name:    name,
		image:   opts.Image,
		env:     copyMap(opts.Env),
		labels:  copyMap(opts.Labels),
		created: true,
		files:   files,
		opts:    opts,
	}
	if opts.Network != "" {
		ctr.networks = append(ctr.networks, opts.Network)
	}
	f.containers[id] = ctr
	return id, nil
}

func (f *FakeBackend) Start(_ context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ctr, ok := f.containers[containerID]
	if !ok {
		return errors.Newf(errors.CodeResourceNotFound, "fake", "no such container %s", containerID)
	}
	ctr.running = true
	return nil
}

func (f *FakeBackend) Exec(ctx context.Context, containerID string, cmd schema.Command) (ExecResult, error) {
	f.mu.Lock()
	ctr, ok := f.containers[containerID]
	running := ok && ctr.running
	f.mu.Unlock()

	if !ok {
		return ExecResult{}, errors.Newf(errors.CodeResourceNotFound, "fake", "no such container %s", containerID)
	}
	if !running {
		return ExecResult{}, errors.Newf(errors.CodeInvalidState, "fake", "container %s is not running", containerID)
	}

	if f.ExecHandler != nil {
		if res, handled := f.ExecHandler(containerID, cmd); handled {
			return res, nil
		}
	}
	return f.interpret(ctx, cmd)
}

// interpret evaluates the built-in command vocabulary.
func (f *FakeBackend) interpret(ctx context.Context, cmd schema.Command) (ExecResult, error) {
	if len(cmd) == 0 {
		return ExecResult{ExitCode: 0}, nil
	}
	switch cmd[0] {
	case "echo":
		return ExecResult{ExitCode: 0, Stdout: strings.Join(cmd[1:], " ") + "\n"}, nil
	case "true":
		return ExecResult{ExitCode: 0}, nil
	case "false":
		return ExecResult{ExitCode: 1}, nil
	case "exit":
		code := 0
		if len(cmd) > 1 {
			code, _ = strconv.Atoi(cmd[1])
		}
		return ExecResult{ExitCode: code}, nil
	case "sleep":
		secs := 1.0
		if len(cmd) > 1 {
			if v, err := strconv.ParseFloat(cmd[1], 64); err == nil {
				secs = v
			}
		}
		select {
		case <-time.After(time.Duration(secs * float64(time.Second))):
			return ExecResult{ExitCode: 0}, nil
		case <-ctx.Done():
			return ExecResult{ExitCode: 137}, ctx.Err()
		}
	}
	return ExecResult{ExitCode: 0}, nil
}

func (f *FakeBackend) Stop(_ context.Context, containerID string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StopErr != nil {
		return f.StopErr
	}
	ctr, ok := f.containers[containerID]
	if !ok {
		return errors.Newf(errors.CodeResourceNotFound, "fake", "no such container %s", containerID)
	}
	ctr.running = false
	return nil
}

func (f *FakeBackend) Remove(_ context.Context, containerID string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RemoveErr != nil {
		return f.RemoveErr
	}
	if _, ok := f.containers[containerID]; !ok {
		return errors.Newf(errors.CodeResourceNotFound, "fake", "no such container %s", containerID)
	}
	delete(f.containers, containerID)
	f.removedIDs = append(f.removedIDs, containerID)
	return nil
}

func (f *FakeBackend) CopyFrom(_ context.Context, containerID, inPath, hostPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ctr, ok := f.containers[containerID]
	if !ok {
		return errors.Newf(errors.CodeResourceNotFound, "fake", "no such container %s", containerID)
	}
	content, ok := ctr.files[inPath]
	if !ok {
		return errors.Newf(errors.CodeResourceNotFound, "fake", "no such path %s in container", inPath)
	}
	if err := os.MkdirAll(filepath.Dir(hostPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(hostPath, content, 0o644)
}

func (f *FakeBackend) Stats(context.Context, string) (ResourceSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StatsErr != nil {
		return ResourceSnapshot{}, f.StatsErr
	}
	return f.StatsSnapshot, nil
}

func (f *FakeBackend) ListMatching(_ context.Context, containerID, pattern string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ctr, ok := f.containers[containerID]
	if !ok {
		return nil, errors.Newf(errors.CodeResourceNotFound, "fake", "no such container %s", containerID)
	}

	var paths []string
	for p := range ctr.files {
		matched, err := doublestar.Match(pattern, p)
		if err != nil {
			return nil, errors.Newf(errors.CodeInvalidParameter, "fake", "bad glob %q", pattern)
		}
		if matched {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func (f *FakeBackend) CreateNetwork(_ context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := "net-" + name
	f.networks[name] = id
	return id, nil
}

func (f *FakeBackend) RemoveNetwork(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.networks[name]; !ok {
		return errors.Newf(errors.CodeResourceNotFound, "fake", "no such network %s", name)
	}
	delete(f.networks, name)
	f.removedNet = append(f.removedNet, name)
	return nil
}

func (f *FakeBackend) Connect(_ context.Context, containerID, network string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ctr, ok := f.containers[containerID]
	if !ok {
		return errors.Newf(errors.CodeResourceNotFound, "fake", "no such container %s", containerID)
	}
	ctr.networks = append(ctr.networks, network)
	return nil
}

func (f *FakeBackend) ListContainers(_ context.Context, labelSelector string) ([]ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key, val, _ := strings.Cut(labelSelector, "=")
	var infos []ContainerInfo
	for _, ctr := range f.containers {
		if v, ok := ctr.labels[key]; ok && (val == "" || v == val) {
			infos = append(infos, ContainerInfo{ID: ctr.id, Name: ctr.name, Labels: copyMap(ctr.labels)})
		}
	}
	return infos, nil
}

// SeedFile installs a file into every container created afterwards.
func (f *FakeBackend) SeedFile(path string, content []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SeededFiles[path] = content
}

// Pulled returns the images pulled so far.
func (f *FakeBackend) Pulled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.pulled...)
}

// Removed returns the ids of removed containers.
func (f *FakeBackend) Removed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removedIDs...)
}

// RemovedNetworks returns the names of removed networks.
func (f *FakeBackend) RemovedNetworks() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removedNet...)
}

// Exists reports whether a container is still present.
func (f *FakeBackend) Exists(containerID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.containers[containerID]
	return ok
}

// Running reports whether a container is currently running.
func (f *FakeBackend) Running(containerID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	ctr, ok := f.containers[containerID]
	return ok && ctr.running
}

// NetworkExists reports whether a network is present.
func (f *FakeBackend) NetworkExists(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.networks[name]
	return ok
}

// CreateOptionsFor returns the options a container was created with.
func (f *FakeBackend) CreateOptionsFor(containerID string) (CreateOptions, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ctr, ok := f.containers[containerID]; ok {
		return ctr.opts, true
	}
	return CreateOptions{}, false
}

// ContainerEnv returns a copy of a container's environment.
func (f *FakeBackend) ContainerEnv(containerID string) map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ctr, ok := f.containers[containerID]; ok {
		return copyMap(ctr.env)
	}
	return nil
}

// ContainerNetworks returns the networks a container is attached to.
func (f *FakeBackend) ContainerNetworks(containerID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ctr, ok := f.containers[containerID]; ok {
		return append([]string(nil), ctr.networks...)
	}
	return nil
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
