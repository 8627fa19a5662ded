package session

import (
	"fmt"
	"strings"

	"github.com/coreos/go-semver/semver"
)

// VersionPolicy decides whether an offered version replaces the running one.
type VersionPolicy string

const (
	// PolicyLexical compares versions as plain strings, so "1.0.10" sorts
	// before "1.0.9". It matches the behaviour deployed servers expect.
	PolicyLexical VersionPolicy = "lexical"

	// PolicySemver compares dotted-numeric versions and falls back to
	// lexical order when either side is not semver.
	PolicySemver VersionPolicy = "semver"
)

func ParseVersionPolicy(s string) (VersionPolicy, error) {
	switch p := VersionPolicy(strings.ToLower(s)); p {
	case PolicyLexical, PolicySemver:
		return p, nil
	case "":
		return PolicyLexical, nil
	default:
		return "", fmt.Errorf("unknown version policy %q (want %s or %s)", s, PolicyLexical, PolicySemver)
	}
}

// Newer reports whether candidate should replace running.
func (p VersionPolicy) Newer(candidate, running string) bool {
	if p == PolicySemver {
		c, errC := parseSemver(candidate)
		r, errR := parseSemver(running)
		if errC == nil && errR == nil {
			return r.LessThan(*c)
		}
	}
	return candidate > running
}

func parseSemver(v string) (*semver.Version, error) {
	return semver.NewVersion(strings.TrimPrefix(v, "v"))
}
