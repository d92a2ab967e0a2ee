package synth

import (
	"fmt"
	"strings"

	"github.com/raysh454/uatu/internal/model"
)

// EoP test gating modes.
const (
	EoPOff       = "off"
	EoPStride    = "stride"
	EoPHeuristic = "heuristic"
	EoPBoth      = "both"
	EoPAuto      = "auto"
)

// DefaultSensitivePrefixes name operations an outsider must not be able to
// invoke. Matching is a case-insensitive prefix test.
func DefaultSensitivePrefixes() []string {
	return []string{
		"withdraw", "sweep", "rescue", "mint", "burn", "pause", "unpause",
		"upgrade", "authorize", "deauthorize", "grantRole", "revokeRole",
		"setOwner", "transferOwnership", "setAdmin", "setGuardian", "emergency",
		"setFee", "setTreasury", "setWhitelist", "addWhitelist", "removeWhitelist",
	}
}

func ParseEoPMode(s string) (string, error) {
	switch m := strings.ToLower(strings.TrimSpace(s)); m {
	case "":
		return EoPAuto, nil
	case EoPOff, EoPStride, EoPHeuristic, EoPBoth, EoPAuto:
		return m, nil
	}
	return "", fmt.Errorf("unknown eop mode %q", s)
}

// Gate decides which functions get a privilege-escalation test.
type Gate struct {
	Mode     string
	prefixes []string
}

func NewGate(mode string, prefixes []string) Gate {
	if len(prefixes) == 0 {
		prefixes = DefaultSensitivePrefixes()
	}
	lower := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			lower = append(lower, p)
		}
	}
	if m, err := ParseEoPMode(mode); err == nil {
		mode = m
	} else {
		mode = EoPAuto
	}
	return Gate{Mode: mode, prefixes: lower}
}

// Sensitive reports whether fn matches a sensitive-operation prefix.
func (g Gate) Sensitive(fn string) bool {
	fl := strings.ToLower(fn)
	for _, p := range g.prefixes {
		if strings.HasPrefix(fl, p) {
			return true
		}
	}
	return false
}

// Allow reports whether fn gets an EoP test and which signal decided it.
func (g Gate) Allow(fn string, b *model.Bucket) (bool, string) {
	heur := g.Sensitive(fn)
	stride := len(b.Get(model.ElevationOfPrivilege)) > 0
	switch g.Mode {
	case EoPOff:
		return false, EoPOff
	case EoPStride:
		return stride, EoPStride
	case EoPHeuristic:
		return heur, EoPHeuristic
	case EoPBoth:
		switch {
		case stride && heur:
			return true, "stride+heuristic"
		case stride:
			return true, EoPStride
		case heur:
			return true, EoPHeuristic
		}
		return false, "none"
	}
	if stride {
		return true, EoPStride
	}
	if heur {
		return true, EoPHeuristic
	}
	return false, "none"
}
