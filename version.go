package dsbroker

import "runtime"

// Build identity, injected through -ldflags at release time.
var (
	Version   string
	Commit    string
	BuildTime string
	GoVersion = runtime.Version()
)

// VersionInfo returns a human-readable build description.
func VersionInfo() string {
	s := "dsbroker"
	if Version != "" {
		s += " " + Version
	} else {
		s += " dev"
	}
	switch {
	case Commit != "" && BuildTime != "":
		s += " (" + Commit + ", " + BuildTime + ")"
	case Commit != "":
		s += " (" + Commit + ")"
	case BuildTime != "":
		s += " (" + BuildTime + ")"
	}
	return s + " " + GoVersion
}
