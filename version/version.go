// Package version reads the module and dependency versions stamped into
// the running binary. The API's version endpoint serves the full build
// stamp; the logger decorates every line with the short form.
package version

import (
	"runtime/debug"
	"sort"
)

const modulePath = "weave.evalgo.org"

// Dependency is one module requirement of the running binary.
type Dependency struct {
	Path    string `json:"path"`
	Version string `json:"version"`
	Replace string `json:"replace,omitempty"`
}

// BuildInfo is the build stamp: toolchain, main module, and the sorted
// dependency list.
type BuildInfo struct {
	GoVersion    string       `json:"goVersion"`
	MainModule   string       `json:"mainModule"`
	MainVersion  string       `json:"mainVersion"`
	Dependencies []Dependency `json:"dependencies"`
}

// GetBuildInfo reads the stamp the Go linker embedded. Binaries built
// without module support report "unknown" throughout.
func GetBuildInfo() *BuildInfo {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return &BuildInfo{
			GoVersion:    "unknown",
			MainModule:   "unknown",
			MainVersion:  "unknown",
			Dependencies: []Dependency{},
		}
	}

	deps := make([]Dependency, 0, len(info.Deps))
	for _, dep := range info.Deps {
		deps = append(deps, asDependency(dep))
	}
	sort.Slice(deps, func(i, j int) bool { return deps[i].Path < deps[j].Path })

	return &BuildInfo{
		GoVersion:    info.GoVersion,
		MainModule:   info.Path,
		MainVersion:  info.Main.Version,
		Dependencies: deps,
	}
}

// GetWeaveVersion returns this module's version: the release tag when
// built from one, "dev" for local builds, the dependency version when
// weave is embedded in another binary.
func GetWeaveVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}

	if info.Path == modulePath {
		if info.Main.Version == "" || info.Main.Version == "(devel)" {
			return "dev"
		}
		return info.Main.Version
	}

	for _, dep := range info.Deps {
		if dep.Path != modulePath {
			continue
		}
		if dep.Replace != nil {
			return dep.Replace.Version + " (replaced)"
		}
		return dep.Version
	}
	return "unknown"
}

func asDependency(dep *debug.Module) Dependency {
	d := Dependency{Path: dep.Path, Version: dep.Version}
	if dep.Replace != nil {
		d.Replace = dep.Replace.Path + "@" + dep.Replace.Version
	}
	return d
}
