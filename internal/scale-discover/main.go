// Package discover implements the scale-discover tool: scan for
// nearby Bluetooth devices, point out the ones that look like Acaia
// scales, and optionally cache the address for scale-monitor.
package discover

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/TheCacophonyProject/go-utils/logging"
	"github.com/alexflint/go-arg"
	"github.com/wwade/scale/scale"
)

var (
	version = "<not set>"
	log     = logging.NewLogger("info")
)

type Args struct {
	Timeout int  `arg:"--timeout" default:"10" help:"scan duration in seconds"`
	Save    bool `arg:"--save" help:"save the first Acaia scale found for scale-monitor"`
	logging.LogArgs
}

func (Args) Version() string {
	return version
}

var defaultArgs = Args{}

func procArgs(input []string) (Args, error) {
	args := defaultArgs

	parser, err := arg.NewParser(arg.Config{}, &args)
	if err != nil {
		return Args{}, err
	}
	err = parser.Parse(input)
	if errors.Is(err, arg.ErrHelp) {
		parser.WriteHelp(os.Stdout)
		os.Exit(0)
	}
	if errors.Is(err, arg.ErrVersion) {
		fmt.Println(version)
		os.Exit(0)
	}
	return args, err
}

func Run(inputArgs []string, ver string) error {
	version = ver
	args, err := procArgs(inputArgs)
	if err != nil {
		return fmt.Errorf("failed to parse args: %v", err)
	}
	log = logging.NewLogger(args.LogLevel)

	log.Info("Scanning for Bluetooth devices...")
	devices, err := scale.Discover(time.Duration(args.Timeout) * time.Second)
	if err != nil {
		return err
	}

	log.Infof("Found %d devices:", len(devices))
	var scales []scale.Discovered
	for _, d := range devices {
		name := d.Name
		if name == "" {
			name = "Unknown"
		}
		log.Infof("  %s - %s", d.MAC, name)
		if scale.LooksLikeAcaia(d.Name) {
			log.Info("    ^^^ Possible Acaia scale!")
			scales = append(scales, d)
		}
	}

	if len(scales) == 0 {
		log.Info("No Acaia scales found. Make sure your scale is on and in pairing mode.")
		return nil
	}

	log.Infof("Found %d potential Acaia scale(s):", len(scales))
	for _, d := range scales {
		log.Infof("  MAC: %s  Name: %s", d.MAC, d.Name)
	}

	if args.Save {
		if err := scale.SaveMAC(scales[0].MAC); err != nil {
			return err
		}
		log.Infof("Saved MAC address: %s", scales[0].MAC)
	}
	return nil
}
