package workflow

import (
	"regexp"
	"sort"
	"strings"
)

// expandMatrix lists the axis combinations for a job: the Cartesian
// product of the axes in sorted key order, minus exclude entries, plus
// include entries not already present. A nil matrix or one without axes
// yields the single empty combination.
func expandMatrix(m *Matrix) []map[string]string {
	if m == nil || len(m.Axes) == 0 {
		return []map[string]string{{}}
	}

	keys := make([]string, 0, len(m.Axes))
	for k := range m.Axes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	combos := []map[string]string{{}}
	for _, key := range keys {
		next := make([]map[string]string, 0, len(combos)*len(m.Axes[key]))
		for _, combo := range combos {
			for _, val := range m.Axes[key] {
				grown := make(map[string]string, len(combo)+1)
				for k, v := range combo {
					grown[k] = v
				}
				grown[key] = val
				next = append(next, grown)
			}
		}
		combos = next
	}

	filtered := combos[:0]
	for _, combo := range combos {
		if !matchesAny(combo, m.Exclude) {
			filtered = append(filtered, combo)
		}
	}

	for _, inc := range m.Include {
		if !containsCombo(filtered, inc) {
			filtered = append(filtered, inc)
		}
	}
	return filtered
}

// matchesAny reports whether every key of some entry matches the combo.
func matchesAny(combo map[string]string, entries []map[string]string) bool {
	for _, entry := range entries {
		if len(entry) == 0 {
			continue
		}
		matched := true
		for k, v := range entry {
			if combo[k] != v {
				matched = false
				break
			}
		}
		if matched {
			return true
		}
	}
	return false
}

func containsCombo(combos []map[string]string, candidate map[string]string) bool {
	for _, combo := range combos {
		if len(combo) != len(candidate) {
			continue
		}
		same := true
		for k, v := range candidate {
			if combo[k] != v {
				same = false
				break
			}
		}
		if same {
			return true
		}
	}
	return false
}

// matrixKey renders a combination as "k=v,k2=v2" in sorted key order.
func matrixKey(params map[string]string) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+params[k])
	}
	return strings.Join(parts, ",")
}

// variantName is the per-combination job name recorded in workflow
// status maps: "test[go=1.22,os=linux]". Jobs without a matrix keep
// their plain name.
func variantName(base string, params map[string]string) string {
	key := matrixKey(params)
	if key == "" {
		return base
	}
	return base + "[" + key + "]"
}

var matrixRefPattern = regexp.MustCompile(`\$\{\{\s*matrix\.([A-Za-z0-9_]+)\s*\}\}`)

// interpolateMatrix substitutes ${{ matrix.X }} references with the
// combination's values. Unknown references are left untouched.
func interpolateMatrix(s string, params map[string]string) string {
	if len(params) == 0 || !strings.Contains(s, "${{") {
		return s
	}
	return matrixRefPattern.ReplaceAllStringFunc(s, func(ref string) string {
		groups := matrixRefPattern.FindStringSubmatch(ref)
		if v, ok := params[groups[1]]; ok {
			return v
		}
		return ref
	})
}
