// Package build holds build-time version information.
package build

import "github.com/prometheus/common/version"

// Version info, set via -ldflags -X.
var (
	Version  string
	Branch   string
	Revision string
)

// Info is the version payload served by the build info endpoint.
type Info struct {
	Version  string `json:"version"`
	Branch   string `json:"branch"`
	Revision string `json:"revision"`
	GoVersion string `json:"goVersion"`
}

// GetVersion returns the build info of the running binary.
func GetVersion() Info {
	return Info{
		Version:   Version,
		Branch:    Branch,
		Revision:  Revision,
		GoVersion: version.GoVersion,
	}
}
