package paths

import (
	"os"
	"os/user"
	"path/filepath"
	"strconv"
)

// HomeDir returns the real user's home directory, even when running under sudo.
// Under sudo, os.UserHomeDir() returns /var/root (macOS) or /root (Linux),
// but we want the invoking user's home so that the config, the mapping
// journal and the override state are found regardless of privilege level.
func HomeDir() (string, error) {
	// SUDO_USER is set by sudo to the original invoking user.
	if sudoUser := os.Getenv("SUDO_USER"); sudoUser != "" {
		u, err := user.Lookup(sudoUser)
		if err == nil {
			return u.HomeDir, nil
		}
	}
	return os.UserHomeDir()
}

// RealUser returns the ids sudo recorded in SUDO_UID and SUDO_GID. ok is
// false outside sudo.
func RealUser() (uid, gid int, ok bool) {
	uid, err := strconv.Atoi(os.Getenv("SUDO_UID"))
	if err != nil {
		return 0, 0, false
	}
	gid, _ = strconv.Atoi(os.Getenv("SUDO_GID"))
	return uid, gid, true
}

// ChownToRealUser changes the owner of path to the real invoking user when
// running under sudo. It is a no-op when not under sudo.
func ChownToRealUser(path string) {
	if uid, gid, ok := RealUser(); ok {
		os.Chown(path, uid, gid)
	}
}

const appName = "shadowtun"

// userDir returns a directory below the real user's home, creating it if
// needed. Under sudo it is chowned back to that user, so a later non-root
// "shadowtun status" can still open the journal and the override state.
func userDir(elem ...string) (string, error) {
	home, err := HomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(append([]string{home}, elem...)...)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	ChownToRealUser(dir)
	return dir, nil
}

// CacheDir returns ~/.cache/shadowtun.
func CacheDir() (string, error) { return userDir(".cache", appName) }

// DataDir returns ~/.local/share/shadowtun.
func DataDir() (string, error) { return userDir(".local", "share", appName) }

// ConfigDir returns ~/.config/shadowtun.
func ConfigDir() (string, error) { return userDir(".config", appName) }

// ConfigPath returns the default config file location.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// DBPath returns the default mapping journal location.
func DBPath() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, appName+".db"), nil
}

// StatePath returns the DNS override state file inside dir, or inside the
// cache directory when dir is empty.
func StatePath(dir string) (string, error) {
	if dir == "" {
		var err error
		if dir, err = CacheDir(); err != nil {
			return "", err
		}
	}
	return filepath.Join(dir, "dns-override.json"), nil
}
