package fsutil

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/cockroachdb/errors"
)

// AppName names the per-user data directory.
const AppName = "tickler"

// ErrUnknownPath is returned by NamedPath for an unrecognised identifier.
var ErrUnknownPath = errors.New("fsutil: unknown named path")

// Named system path identifiers.
const (
	PathHome      = "home"
	PathAppData   = "appData"
	PathUserData  = "userData"
	PathTemp      = "temp"
	PathCache     = "cache"
	PathLogs      = "logs"
	PathExe       = "exe"
	PathApp       = "app"
	PathDesktop   = "desktop"
	PathDocuments = "documents"
	PathDownloads = "downloads"
	PathMusic     = "music"
	PathPictures  = "pictures"
	PathVideos    = "videos"
)

var homeSubdirs = map[string]string{
	PathDesktop:   "Desktop",
	PathDocuments: "Documents",
	PathDownloads: "Downloads",
	PathMusic:     "Music",
	PathPictures:  "Pictures",
	PathVideos:    "Videos",
}

// NamedPath resolves a well-known system location by identifier.
func NamedPath(name string) (string, error) {
	switch name {
	case PathHome:
		return os.UserHomeDir()
	case PathAppData:
		return os.UserConfigDir()
	case PathUserData:
		dir, err := os.UserConfigDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(dir, AppName), nil
	case PathTemp:
		return os.TempDir(), nil
	case PathCache:
		dir, err := os.UserCacheDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(dir, AppName), nil
	case PathLogs:
		dir, err := NamedPath(PathUserData)
		if err != nil {
			return "", err
		}
		return filepath.Join(dir, "logs"), nil
	case PathExe:
		return os.Executable()
	case PathApp:
		exe, err := os.Executable()
		if err != nil {
			return "", err
		}
		return filepath.Dir(exe), nil
	}

	if sub, ok := homeSubdirs[name]; ok {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, sub), nil
	}
	return "", errors.Wrapf(ErrUnknownPath, "%q", name)
}

// PathNames lists every identifier NamedPath accepts.
func PathNames() []string {
	names := []string{PathHome, PathAppData, PathUserData, PathTemp, PathCache, PathLogs, PathExe, PathApp}
	for name := range homeSubdirs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultPluginDirs returns the plugin search roots next to the executable
// and under the user data directory. Locations that cannot be determined are
// omitted.
func DefaultPluginDirs() []string {
	var dirs []string
	for _, name := range []string{PathApp, PathUserData} {
		base, err := NamedPath(name)
		if err != nil {
			continue
		}
		dirs = append(dirs, filepath.Join(base, "plugins"))
	}
	return dirs
}
