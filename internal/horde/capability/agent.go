package capability

import (
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/hordeproject/horde/internal/common/hordeerrors"
)

// Agent identifies the bridge software a worker runs, parsed from its
// self-reported "name:version:contact" string.
type Agent struct {
	Name    string
	Version *semver.Version
	Contact string
}

// ParseAgent parses a bridge agent string. The version is parsed leniently:
// a leading "v" and missing minor/patch components are tolerated, and an
// unparseable version degrades to 0.0.0 rather than rejecting the worker.
func ParseAgent(raw string) (Agent, error) {
	parts := strings.SplitN(raw, ":", 3)
	if len(parts) != 3 || parts[0] == "" {
		return Agent{}, &hordeerrors.ErrMalformedAgent{Agent: raw}
	}

	version, err := semver.NewVersion(strings.TrimPrefix(strings.TrimSpace(parts[1]), "v"))
	if err != nil {
		version = semver.MustParse("0.0.0")
	}

	return Agent{
		Name:    strings.TrimSpace(parts[0]),
		Version: version,
		Contact: strings.TrimSpace(parts[2]),
	}, nil
}
