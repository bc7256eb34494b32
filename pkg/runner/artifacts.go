package runner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/orcaops/orcaops/pkg/schema"
)

const globMetaChars = "*?[{"

// artifactSalvageWindow bounds artifact collection for a job whose own
// context is already dead. Cancelled and timed-out jobs still get their
// artifacts out.
const artifactSalvageWindow = 2 * time.Minute

// collectArtifacts resolves each artifact glob inside the container,
// copies the matches into the run directory, and records metadata. Misses
// and copy failures become warnings on the record, never run failures.
// Collection stops once the total size crosses the workspace cap.
func (r *Runner) collectArtifacts(ctx context.Context, rec *schema.RunRecord, containerID string, capMB int, log zerolog.Logger) {
	if len(rec.Spec.Artifacts) == 0 {
		return
	}
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), artifactSalvageWindow)
		defer cancel()
	}

	runDir := r.runs.RunDir(rec.JobID)
	capBytes := int64(capMB) * 1024 * 1024
	var total int64

patterns:
	for _, pattern := range rec.Spec.Artifacts {
		paths, err := r.backend.ListMatching(ctx, containerID, pattern)
		if err != nil {
			// Enumeration needs a running container; a literal path can
			// still be copied out of a stopped one.
			if strings.ContainsAny(pattern, globMetaChars) {
				rec.Warnings = append(rec.Warnings, fmt.Sprintf("artifact pattern %q: %v", pattern, err))
				log.Warn().Err(err).Str("pattern", pattern).Msg("Artifact enumeration failed")
				continue
			}
			paths = []string{pattern}
		}
		if len(paths) == 0 {
			rec.Warnings = append(rec.Warnings, fmt.Sprintf("artifact pattern %q matched nothing", pattern))
			log.Warn().Str("pattern", pattern).Msg("Artifact pattern matched nothing")
			continue
		}

		for _, p := range paths {
			name := filepath.Base(p)
			localPath := filepath.Join(runDir, name)
			if err := r.backend.CopyFrom(ctx, containerID, p, localPath); err != nil {
				rec.Warnings = append(rec.Warnings, fmt.Sprintf("artifact %q: copy failed: %v", p, err))
				log.Warn().Err(err).Str("path", p).Msg("Artifact copy failed")
				continue
			}

			info, err := os.Stat(localPath)
			if err != nil {
				rec.Warnings = append(rec.Warnings, fmt.Sprintf("artifact %q: %v", p, err))
				continue
			}
			size := info.Size()
			if info.IsDir() {
				size = 0
			}

			if capBytes > 0 && total+size > capBytes {
				if rmErr := os.Remove(localPath); rmErr != nil {
					log.Debug().Err(rmErr).Str("path", localPath).Msg("Over-cap artifact left on disk")
				}
				rec.Warnings = append(rec.Warnings, fmt.Sprintf("artifact collection truncated at %d MB cap", capMB))
				log.Warn().Int("cap_mb", capMB).Str("path", p).Msg("Artifact cap reached, truncating collection")
				break patterns
			}
			total += size

			meta := schema.ArtifactMetadata{
				PathInContainer: p,
				LocalPath:       name,
				SizeBytes:       size,
			}
			if !info.IsDir() {
				meta.SHA256 = hashFile(localPath, log)
				meta.ContentType = detectContentType(localPath)
			}
			rec.Artifacts = append(rec.Artifacts, meta)
			log.Info().Str("path", p).Int64("size_bytes", size).Msg("Artifact collected")
		}
	}
}

func hashFile(path string, log zerolog.Logger) string {
	f, err := os.Open(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Artifact hash failed")
		return ""
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Artifact hash failed")
		return ""
	}
	return hex.EncodeToString(h.Sum(nil))
}

// detectContentType resolves by extension first and sniffs the leading
// bytes when the extension is unknown.
func detectContentType(path string) string {
	if ct := mime.TypeByExtension(filepath.Ext(path)); ct != "" {
		return ct
	}
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	buf := make([]byte, 512)
	n, err := f.Read(buf)
	if err != nil && err != io.EOF {
		return ""
	}
	return http.DetectContentType(buf[:n])
}
