package workflow

import (
	"sort"

	"github.com/orcaops/orcaops/pkg/domain/errors"
)

// compileLevels orders the jobs of a spec into execution levels using
// Kahn's algorithm: every job in a level depends only on jobs from
// earlier levels, so a level's jobs can run concurrently. Names within
// a level are sorted for deterministic scheduling.
func compileLevels(s *Spec) ([][]string, error) {
	indegree := make(map[string]int, len(s.Jobs))
	dependents := make(map[string][]string, len(s.Jobs))

	for name := range s.Jobs {
		indegree[name] = 0
	}
	for name, job := range s.Jobs {
		for _, dep := range job.Requires {
			if _, ok := s.Jobs[dep]; !ok {
				return nil, errors.Newf(errors.CodeValidationFailed, "workflow",
					"job %q requires unknown job %q", name, dep)
			}
			indegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var ready []string
	for name, deg := range indegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}

	var levels [][]string
	processed := 0
	for len(ready) > 0 {
		sort.Strings(ready)
		level := ready
		ready = nil
		levels = append(levels, level)
		processed += len(level)
		for _, done := range level {
			for _, next := range dependents[done] {
				indegree[next]--
				if indegree[next] == 0 {
					ready = append(ready, next)
				}
			}
		}
	}

	if processed != len(s.Jobs) {
		var stuck []string
		for name, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return nil, errors.Newf(errors.CodeValidationFailed, "workflow",
			"dependency cycle involving: %v", stuck)
	}
	return levels, nil
}
