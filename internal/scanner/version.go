package scanner

import (
	"strconv"
	"strings"
)

// versionVulnerable reports whether installed falls inside spec. Only the
// "<=X.Y.Z" operator is understood; every other operator, and any spec
// without numeric components, is not vulnerable. An installed version with
// no numeric components compares as 0.
//
// Versions compare as tuples of their purely numeric dot-separated
// components, right-padded with zeros. "1.1.1k" therefore drops its last
// component and compares as 1.1.
func versionVulnerable(installed, spec string) bool {
	rest, ok := strings.CutPrefix(spec, "<=")
	if !ok {
		return false
	}
	sv, ok := numericComponents(strings.TrimSpace(rest))
	if !ok || len(sv) == 0 {
		return false
	}
	iv, ok := numericComponents(installed)
	if !ok {
		return false
	}

	for len(iv) < len(sv) {
		iv = append(iv, 0)
	}
	for len(sv) < len(iv) {
		sv = append(sv, 0)
	}
	for i := range iv {
		if iv[i] != sv[i] {
			return iv[i] < sv[i]
		}
	}
	return true
}

// numericComponents keeps the components of v that consist only of ASCII
// digits. It fails only when a component overflows; the result may be empty.
func numericComponents(v string) ([]uint64, bool) {
	var out []uint64
	for _, part := range strings.Split(v, ".") {
		if part == "" || strings.IndexFunc(part, func(r rune) bool { return r < '0' || r > '9' }) >= 0 {
			continue
		}
		n, err := strconv.ParseUint(part, 10, 64)
		if err != nil {
			return nil, false
		}
		out = append(out, n)
	}
	return out, true
}
