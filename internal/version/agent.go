package version

import (
	"strconv"
	"strings"
)

// ProtocolMarker prefixes the suffix of every agent build that speaks the
// fleet streaming protocol.
const ProtocolMarker = "ws"

// AgentVersion is a parsed MAJOR.MINOR[.PATCH]-SUFFIX version string.
type AgentVersion struct {
	Raw    string
	Parts  []int
	Suffix string
}

// Parse splits s at the first '-' into numeric components and a suffix.
// Parsing stops at the first component that is not a non-negative
// integer; the remaining components are ignored.
func Parse(s string) AgentVersion {
	v := AgentVersion{Raw: s}
	main, suffix, _ := strings.Cut(s, "-")
	v.Suffix = suffix
	if main == "" {
		return v
	}
	for _, p := range strings.Split(main, ".") {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			break
		}
		v.Parts = append(v.Parts, n)
	}
	return v
}

func (v AgentVersion) String() string { return v.Raw }

// IsCompatible reports whether v is a build of our agent. Anything else
// running under the same launcher is third-party software, not an older
// build.
func (v AgentVersion) IsCompatible() bool {
	return strings.HasPrefix(v.Suffix, ProtocolMarker) && len(v.Parts) >= 2
}

// Equal compares the raw strings.
func (v AgentVersion) Equal(o AgentVersion) bool { return v.Raw == o.Raw }

// GreaterThan orders by numeric components compared as integers, then by
// component count, then by suffix. Equal strings are never greater.
func (v AgentVersion) GreaterThan(o AgentVersion) bool {
	if v.Raw == o.Raw {
		return false
	}
	shared := min(len(v.Parts), len(o.Parts))
	for i := 0; i < shared; i++ {
		if v.Parts[i] != o.Parts[i] {
			return v.Parts[i] > o.Parts[i]
		}
	}
	if len(v.Parts) != len(o.Parts) {
		return len(v.Parts) > len(o.Parts)
	}
	return v.Suffix > o.Suffix
}
