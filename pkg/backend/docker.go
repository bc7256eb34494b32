package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/orcaops/orcaops/pkg/domain/errors"
	"github.com/orcaops/orcaops/pkg/schema"
)

// DockerBackend drives containers through the docker CLI. It assumes the
// image provides /bin/sh; commands run via exec against a keep-alive
// container.
type DockerBackend struct {
	runner CommandRunner
	bin    string
	logger zerolog.Logger
}

var _ ContainerBackend = &DockerBackend{}

// NewDockerBackend creates the docker CLI adapter. bin defaults to
// "docker" when empty.
func NewDockerBackend(runner CommandRunner, bin string, logger zerolog.Logger) *DockerBackend {
	if bin == "" {
		bin = "docker"
	}
	return &DockerBackend{
		runner: runner,
		bin:    bin,
		logger: logger.With().Str("component", "docker_backend").Logger(),
	}
}

func (d *DockerBackend) Ping(ctx context.Context) error {
	out, err := d.runner.Run(ctx, d.bin, "version", "--format", "{{.Server.Version}}")
	if err != nil {
		return errors.New(errors.CodeBackendUnavailable, "docker", "docker CLI not runnable", err)
	}
	if out.ExitCode != 0 {
		return errors.Newf(errors.CodeBackendUnavailable, "docker", "docker daemon unreachable: %s", strings.TrimSpace(out.Stderr))
	}
	d.logger.Debug().Str("server_version", strings.TrimSpace(out.Stdout)).Msg("Backend reachable")
	return nil
}

func (d *DockerBackend) Pull(ctx context.Context, image string) error {
	out, err := d.runner.Run(ctx, d.bin, "pull", image)
	if err != nil {
		return errors.New(errors.CodeImagePullFailed, "docker", fmt.Sprintf("failed to pull %s", image), err)
	}
	if out.ExitCode != 0 {
		return errors.Newf(errors.CodeImagePullFailed, "docker", "failed to pull %s: %s", image, strings.TrimSpace(out.Stderr))
	}
	return nil
}

func (d *DockerBackend) ImageDigest(ctx context.Context, image string) (string, error) {
	out, err := d.runner.Run(ctx, d.bin, "image", "inspect", "--format", "{{index .RepoDigests 0}}", image)
	if err != nil {
		return "", errors.New(errors.CodeIoError, "docker", "image inspect failed", err)
	}
	if out.ExitCode != 0 {
		// Locally built images carry no repo digest.
		return "", nil
	}
	return strings.TrimSpace(out.Stdout), nil
}

func (d *DockerBackend) Create(ctx context.Context, opts CreateOptions) (string, error) {
	args := []string{d.bin, "create"}
	if opts.Name != "" {
		args = append(args, "--name", opts.Name)
	}
	for _, k := range sortedKeys(opts.Labels) {
		args = append(args, "--label", k+"="+opts.Labels[k])
	}
	for _, k := range sortedKeys(opts.Env) {
		args = append(args, "-e", k+"="+opts.Env[k])
	}
	if opts.Network != "" {
		args = append(args, "--network", opts.Network)
	}
	if opts.WorkDir != "" {
		args = append(args, "-w", opts.WorkDir)
	}
	if opts.Security.DropAllCapabilities {
		args = append(args, "--cap-drop", "ALL")
	}
	if opts.Security.NoNewPrivileges {
		args = append(args, "--security-opt", "no-new-privileges:true")
	}
	if opts.Security.ReadOnlyRootfs {
		args = append(args, "--read-only", "--tmpfs", "/tmp:rw,noexec,nosuid,size=64m")
	}
	if opts.Caps.MemoryMB > 0 {
		args = append(args, "--memory", fmt.Sprintf("%dm", opts.Caps.MemoryMB))
	}
	if opts.Caps.CPUs > 0 {
		args = append(args, "--cpus", strconv.FormatFloat(opts.Caps.CPUs, 'f', -1, 64))
	}
	args = append(args, opts.Image, "sleep", "infinity")

	out, err := d.runner.Run(ctx, args...)
	if err != nil {
		return "", errors.New(errors.CodeContainerStartFailed, "docker", "container create failed", err)
	}
	if out.ExitCode != 0 {
		return "", errors.Newf(errors.CodeContainerStartFailed, "docker", "container create failed: %s", strings.TrimSpace(out.Stderr))
	}
	return strings.TrimSpace(out.Stdout), nil
}

func (d *DockerBackend) Start(ctx context.Context, containerID string) error {
	out, err := d.runner.Run(ctx, d.bin, "start", containerID)
	if err != nil {
		return errors.New(errors.CodeContainerStartFailed, "docker", "container start failed", err)
	}
	if out.ExitCode != 0 {
		return errors.Newf(errors.CodeContainerStartFailed, "docker", "container start failed: %s", strings.TrimSpace(out.Stderr))
	}
	return nil
}

func (d *DockerBackend) Exec(ctx context.Context, containerID string, cmd schema.Command) (ExecResult, error) {
	args := append([]string{d.bin, "exec", containerID}, cmd...)
	out, err := d.runner.Run(ctx, args...)
	if err != nil {
		return ExecResult{}, errors.New(errors.CodeExecFailed, "docker", "exec failed to run", err)
	}
	return ExecResult{ExitCode: out.ExitCode, Stdout: out.Stdout, Stderr: out.Stderr}, nil
}

func (d *DockerBackend) Stop(ctx context.Context, containerID string, grace time.Duration) error {
	secs := int(grace.Round(time.Second).Seconds())
	if secs < 1 {
		secs = 1
	}
	out, err := d.runner.Run(ctx, d.bin, "stop", "-t", strconv.Itoa(secs), containerID)
	if err != nil {
		return errors.New(errors.CodeIoError, "docker", "container stop failed", err)
	}
	if out.ExitCode != 0 {
		return errors.Newf(errors.CodeIoError, "docker", "container stop failed: %s", strings.TrimSpace(out.Stderr))
	}
	return nil
}

func (d *DockerBackend) Remove(ctx context.Context, containerID string, force bool) error {
	args := []string{d.bin, "rm"}
	if force {
		args = append(args, "-f")
	}
	args = append(args, containerID)

	out, err := d.runner.Run(ctx, args...)
	if err != nil {
		return errors.New(errors.CodeIoError, "docker", "container remove failed", err)
	}
	if out.ExitCode != 0 {
		return errors.Newf(errors.CodeIoError, "docker", "container remove failed: %s", strings.TrimSpace(out.Stderr))
	}
	return nil
}

func (d *DockerBackend) CopyFrom(ctx context.Context, containerID, inPath, hostPath string) error {
	out, err := d.runner.Run(ctx, d.bin, "cp", containerID+":"+inPath, hostPath)
	if err != nil {
		return errors.New(errors.CodeIoError, "docker", "copy from container failed", err)
	}
	if out.ExitCode != 0 {
		return errors.Newf(errors.CodeIoError, "docker", "copy from container failed: %s", strings.TrimSpace(out.Stderr))
	}
	return nil
}

// dockerStats mirrors the docker stats json format.
type dockerStats struct {
	CPUPerc  string `json:"CPUPerc"`
	MemUsage string `json:"MemUsage"`
	NetIO    string `json:"NetIO"`
	BlockIO  string `json:"BlockIO"`
}

func (d *DockerBackend) Stats(ctx context.Context, containerID string) (ResourceSnapshot, error) {
	out, err := d.runner.Run(ctx, d.bin, "stats", "--no-stream", "--format", "{{json .}}", containerID)
	if err != nil {
		return ResourceSnapshot{}, errors.New(errors.CodeIoError, "docker", "stats failed", err)
	}
	if out.ExitCode != 0 {
		return ResourceSnapshot{}, errors.Newf(errors.CodeIoError, "docker", "stats failed: %s", strings.TrimSpace(out.Stderr))
	}

	var raw dockerStats
	if err := json.Unmarshal([]byte(strings.TrimSpace(out.Stdout)), &raw); err != nil {
		return ResourceSnapshot{}, errors.New(errors.CodeIoError, "docker", "unparsable stats output", err)
	}

	snap := ResourceSnapshot{
		CPUPercent: parsePercent(raw.CPUPerc),
		MemoryMB:   parseSizeMB(firstOfPair(raw.MemUsage)),
	}
	rx, tx := splitPair(raw.NetIO)
	snap.NetRxBytes = parseSizeBytes(rx)
	snap.NetTxBytes = parseSizeBytes(tx)
	rd, wr := splitPair(raw.BlockIO)
	snap.BlockReadBytes = parseSizeBytes(rd)
	snap.BlockWriteBytes = parseSizeBytes(wr)
	return snap, nil
}

func (d *DockerBackend) ListMatching(ctx context.Context, containerID, pattern string) ([]string, error) {
	// The pattern travels as a positional argument, never interpolated into
	// the script, so shell metacharacters in it cannot inject. The unquoted
	// $0 expansion performs the glob match inside the container.
	script := `for f in $0; do if [ -e "$f" ]; then printf '%s\n' "$f"; fi; done`
	out, err := d.runner.Run(ctx, d.bin, "exec", containerID, "/bin/sh", "-c", script, pattern)
	if err != nil {
		return nil, errors.New(errors.CodeIoError, "docker", "glob listing failed", err)
	}
	if out.ExitCode != 0 {
		return nil, errors.Newf(errors.CodeIoError, "docker", "glob listing failed: %s", strings.TrimSpace(out.Stderr))
	}

	var paths []string
	for _, line := range strings.Split(out.Stdout, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			paths = append(paths, line)
		}
	}
	return paths, nil
}

func (d *DockerBackend) CreateNetwork(ctx context.Context, name string) (string, error) {
	out, err := d.runner.Run(ctx, d.bin, "network", "create", name)
	if err != nil {
		return "", errors.New(errors.CodeIoError, "docker", "network create failed", err)
	}
	if out.ExitCode != 0 {
		return "", errors.Newf(errors.CodeIoError, "docker", "network create failed: %s", strings.TrimSpace(out.Stderr))
	}
	return strings.TrimSpace(out.Stdout), nil
}

func (d *DockerBackend) RemoveNetwork(ctx context.Context, name string) error {
	out, err := d.runner.Run(ctx, d.bin, "network", "rm", name)
	if err != nil {
		return errors.New(errors.CodeIoError, "docker", "network remove failed", err)
	}
	if out.ExitCode != 0 {
		return errors.Newf(errors.CodeIoError, "docker", "network remove failed: %s", strings.TrimSpace(out.Stderr))
	}
	return nil
}

func (d *DockerBackend) Connect(ctx context.Context, containerID, network string) error {
	out, err := d.runner.Run(ctx, d.bin, "network", "connect", network, containerID)
	if err != nil {
		return errors.New(errors.CodeIoError, "docker", "network connect failed", err)
	}
	if out.ExitCode != 0 {
		return errors.Newf(errors.CodeIoError, "docker", "network connect failed: %s", strings.TrimSpace(out.Stderr))
	}
	return nil
}

func (d *DockerBackend) ListContainers(ctx context.Context, labelSelector string) ([]ContainerInfo, error) {
	out, err := d.runner.Run(ctx, d.bin, "ps", "-a",
		"--filter", "label="+labelSelector,
		"--format", "{{.ID}}\t{{.Names}}\t{{.Labels}}")
	if err != nil {
		return nil, errors.New(errors.CodeIoError, "docker", "container listing failed", err)
	}
	if out.ExitCode != 0 {
		return nil, errors.Newf(errors.CodeIoError, "docker", "container listing failed: %s", strings.TrimSpace(out.Stderr))
	}

	var infos []ContainerInfo
	for _, line := range strings.Split(out.Stdout, "\n") {
		if line = strings.TrimSpace(line); line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 3)
		info := ContainerInfo{ID: parts[0], Labels: map[string]string{}}
		if len(parts) > 1 {
			info.Name = parts[1]
		}
		if len(parts) > 2 {
			for _, kv := range strings.Split(parts[2], ",") {
				if k, v, ok := strings.Cut(kv, "="); ok {
					info.Labels[k] = v
				}
			}
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func parsePercent(s string) float64 {
	s = strings.TrimSuffix(strings.TrimSpace(s), "%")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

// splitPair splits docker's "X / Y" pair format.
func splitPair(s string) (string, string) {
	left, right, ok := strings.Cut(s, "/")
	if !ok {
		return strings.TrimSpace(s), ""
	}
	return strings.TrimSpace(left), strings.TrimSpace(right)
}

func firstOfPair(s string) string {
	left, _ := splitPair(s)
	return left
}

var sizeUnits = []struct {
	suffix string
	factor float64
}{
	{"TiB", 1 << 40}, {"GiB", 1 << 30}, {"MiB", 1 << 20}, {"KiB", 1 << 10},
	{"TB", 1e12}, {"GB", 1e9}, {"MB", 1e6}, {"kB", 1e3}, {"B", 1},
}

func parseSizeBytes(s string) int64 {
	s = strings.TrimSpace(s)
	for _, u := range sizeUnits {
		if strings.HasSuffix(s, u.suffix) {
			num := strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			if v, err := strconv.ParseFloat(num, 64); err == nil {
				return int64(v * u.factor)
			}
			return 0
		}
	}
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return int64(v)
	}
	return 0
}

func parseSizeMB(s string) float64 {
	return float64(parseSizeBytes(s)) / (1 << 20)
}
