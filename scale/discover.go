package scale

import (
	"strings"
	"time"

	"tinygo.org/x/bluetooth"
)

// Discovered is one device seen during a BLE scan.
type Discovered struct {
	MAC  string
	Name string
	RSSI int16
}

// Acaia scales advertise names containing one of these.
var acaiaNameKeywords = []string{"PROCH", "PR BT", "ACAIA", "PYXIS", "LUNAR", "PEARL"}

// LooksLikeAcaia reports whether a device name matches the known Acaia
// advertising names.
func LooksLikeAcaia(name string) bool {
	upper := strings.ToUpper(name)
	for _, keyword := range acaiaNameKeywords {
		if strings.Contains(upper, keyword) {
			return true
		}
	}
	return false
}

// Discover scans for BLE devices for the given duration and returns
// every distinct device seen.
func Discover(timeout time.Duration) ([]Discovered, error) {
	adapter := bluetooth.DefaultAdapter
	if err := adapter.Enable(); err != nil {
		return nil, &ConnectionError{Err: err}
	}

	seen := map[string]Discovered{}
	var order []string

	timer := time.AfterFunc(timeout, func() {
		if err := adapter.StopScan(); err != nil {
			log.Debugf("Stopping scan: %v", err)
		}
	})
	defer timer.Stop()

	err := adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		mac := result.Address.String()
		if _, ok := seen[mac]; !ok {
			order = append(order, mac)
		}
		d := Discovered{MAC: mac, Name: result.LocalName(), RSSI: result.RSSI}
		// Keep the named record if a later advertisement drops the name.
		if prev, ok := seen[mac]; !ok || prev.Name == "" || d.Name != "" {
			if d.Name == "" && ok {
				d.Name = prev.Name
			}
			seen[mac] = d
		}
	})
	if err != nil {
		return nil, &ConnectionError{Err: err}
	}

	devices := make([]Discovered, 0, len(order))
	for _, mac := range order {
		devices = append(devices, seen[mac])
	}
	return devices, nil
}

// FindAcaia scans for an Acaia scale and returns its address. The
// first matching device wins; turn only one scale on at a time.
func FindAcaia(timeout time.Duration) (Discovered, bool, error) {
	devices, err := Discover(timeout)
	if err != nil {
		return Discovered{}, false, err
	}
	for _, d := range devices {
		if LooksLikeAcaia(d.Name) {
			return d, true, nil
		}
	}
	return Discovered{}, false, nil
}
