package scale

import (
	"os"
	"path/filepath"
	"strings"
)

const stateDirName = "scale-monitor"

// macFilePath returns the path of the cached MAC address file,
// honouring XDG_STATE_HOME with the usual ~/.local/state fallback.
func macFilePath() (string, error) {
	stateHome := os.Getenv("XDG_STATE_HOME")
	if stateHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		stateHome = filepath.Join(home, ".local", "state")
	}
	dir := filepath.Join(stateHome, stateDirName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return filepath.Join(dir, "mac_address.txt"), nil
}

// LoadCachedMAC returns the previously discovered scale address, or an
// empty string if none has been saved yet.
func LoadCachedMAC() (string, error) {
	path, err := macFilePath()
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// SaveMAC persists the scale address for the next run.
func SaveMAC(mac string) error {
	path, err := macFilePath()
	if err != nil {
		return err
	}
	return os.WriteFile(path, []byte(mac+"\n"), 0644)
}
