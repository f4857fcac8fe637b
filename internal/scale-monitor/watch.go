package monitor

import (
	"os"

	"github.com/google/go-cmp/cmp"
	"github.com/rjeczalik/notify"
)

// checkConfigChanges compares the running config against the file each
// time it is modified. On a real change the process exits so systemd
// restarts it with the new config.
func checkConfigChanges(conf *Config, configFile string) error {
	fsEvents := make(chan notify.EventInfo, 1)
	if err := notify.Watch(configFile, fsEvents, notify.InCloseWrite, notify.InMovedTo); err != nil {
		return err
	}
	defer notify.Stop(fsEvents)

	for {
		<-fsEvents
		changed, err := configChanged(conf, configFile)
		if err != nil {
			log.Errorf("Error reloading config: %v", err)
			continue
		}
		if changed {
			log.Info("Config changed. Exiting to allow systemctl to restart service.")
			os.Exit(0)
		}
		log.Info("No relevant changes detected in config file.")
	}
}

// configChanged reloads the file and reports whether it differs from
// the config the watch started with.
func configChanged(conf *Config, configFile string) (bool, error) {
	newConfig, err := LoadConfig(configFile)
	if err != nil {
		return false, err
	}
	diff := cmp.Diff(conf, newConfig)
	log.Debug("Config diff:", diff)
	return diff != "", nil
}
