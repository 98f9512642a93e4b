// Package paths resolves skillforge's on-disk locations. Everything
// lives under one app directory, ~/.skillforge by default, overridable
// with SKILLFORGE_HOME.
package paths

import (
	"os"
	"path/filepath"
)

// envHome overrides the app directory location when set.
const envHome = "SKILLFORGE_HOME"

// AppDir returns the root application directory.
func AppDir() string {
	if dir := os.Getenv(envHome); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".skillforge"
	}
	return filepath.Join(home, ".skillforge")
}

// ConfigFile returns the path of the YAML config file.
func ConfigFile() string {
	return filepath.Join(AppDir(), "config.yaml")
}

// DatabaseFile returns the default database path.
func DatabaseFile() string {
	return filepath.Join(AppDir(), "skillforge.db")
}

// LogFile returns the log file path.
func LogFile() string {
	return filepath.Join(AppDir(), "skillforge.log")
}

// TemplateDir returns the default directory for user workflow templates.
func TemplateDir() string {
	return filepath.Join(AppDir(), "templates")
}
