package runner

import (
	"regexp"
	"time"

	"github.com/orcaops/orcaops/pkg/schema"
)

// defaultSecretEnvPattern matches environment variable names that commonly
// carry credentials. Values under matching names are masked in the capture.
const defaultSecretEnvPattern = `(?i)(password|passwd|secret|token|api[_-]?key|access[_-]?key|private[_-]?key|credential|auth)`

const redactedValue = "[REDACTED]"

// captureEnvironment snapshots the effective container environment with
// secret-like values masked. The container itself receives the real values.
func captureEnvironment(image, digest string, env map[string]string, secretKeys *regexp.Regexp) *schema.EnvironmentCapture {
	masked := make(map[string]string, len(env))
	for k, v := range env {
		if secretKeys != nil && secretKeys.MatchString(k) {
			masked[k] = redactedValue
			continue
		}
		masked[k] = v
	}
	return &schema.EnvironmentCapture{
		Image:       image,
		ImageDigest: digest,
		Env:         masked,
		CapturedAt:  time.Now().UTC(),
	}
}
