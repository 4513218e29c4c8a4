// Package profile lays out the on-disk state of a named client profile.
package profile

import (
	"os"
	"path/filepath"
)

// AppName names the configuration directory.
const AppName = "bluebubbles-linux"

// BaseDir returns $XDG_CONFIG_HOME/bluebubbles-linux, falling back to
// ~/.config/bluebubbles-linux.
func BaseDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, AppName)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", AppName)
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// Paths are the files belonging to one profile.
type Paths struct {
	Name string
	Dir  string
}

// For returns the paths of the named profile.
func For(name string) Paths {
	return Paths{Name: name, Dir: filepath.Join(BaseDir(), "profiles", name)}
}

func (p Paths) CacheDB() string        { return filepath.Join(p.Dir, "cache.db") }
func (p Paths) AttachmentsDir() string { return filepath.Join(p.Dir, "attachments") }
func (p Paths) LogDir() string         { return filepath.Join(p.Dir, "logs") }
func (p Paths) LogPath() string        { return filepath.Join(p.LogDir(), "bbd.log") }
func (p Paths) SocketPath() string     { return filepath.Join(p.Dir, "bbd.sock") }
func (p Paths) EnvFile() string        { return filepath.Join(p.Dir, ".env") }

// Ensure creates the profile directory tree with owner-only permissions.
func (p Paths) Ensure() error {
	for _, d := range []string{p.Dir, p.LogDir(), p.AttachmentsDir()} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
