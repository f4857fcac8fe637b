package monitor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/TheCacophonyProject/go-utils/logging"
	"github.com/alexflint/go-arg"
	"github.com/wwade/scale/eventlog"
	"github.com/wwade/scale/presence"
	"github.com/wwade/scale/scale"
)

const (
	startupConnectAttempts = 5
	discoverTimeout        = 10 * time.Second
)

var (
	version = "<not set>"
	log     = logging.NewLogger("info")
)

type Args struct {
	ConfigFile string `arg:"-c,--config" help:"YAML config file"`
	LogFile    string `arg:"--log-file" help:"CSV file to log events to (overrides config)"`
	Simulate   bool   `arg:"--simulate" help:"use the mock scale instead of real hardware"`
	Scenario   string `arg:"--scenario" default:"random" help:"mock scenario: random, quick_visits, long_visit, frequent_tare"`
	Seed       int64  `arg:"--seed" help:"mock random seed, 0 seeds from the clock"`
	Discover   bool   `arg:"--discover" help:"force rediscovery of the scale"`
	NoService  bool   `arg:"--no-service" help:"don't register the D-Bus service"`
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

	log.Printf("Running version: %s", version)

	cfg, err := LoadConfig(args.ConfigFile)
	if err != nil {
		return err
	}
	if args.ConfigFile != "" {
		// The watch compares the file against its own loaded contents.
		// CLI overrides apply to the running config only and must not
		// register as a file change.
		watchCfg := *cfg
		go func() {
			if err := checkConfigChanges(&watchCfg, args.ConfigFile); err != nil {
				log.Errorf("Config watch failed: %v", err)
			}
		}()
	}
	if args.LogFile != "" {
		cfg.LogFile = args.LogFile
	}

	dev, err := makeScale(args)
	if err != nil {
		return err
	}

	log.Info("Connecting to scale")
	if err := connectWithRetries(dev, startupConnectAttempts); err != nil {
		return err
	}
	defer func() {
		if err := dev.Disconnect(); err != nil {
			log.Errorf("Disconnecting scale: %v", err)
		}
	}()

	machine, err := presence.NewMonitor(cfg.Presence())
	if err != nil {
		return err
	}

	csvSink, err := eventlog.NewCSV(cfg.LogFile)
	if err != nil {
		return err
	}
	sinks := eventlog.Multi{csvSink}
	var system systemPublisher
	if cfg.MQTT.Broker != "" {
		mqttSink, err := eventlog.NewMQTT(cfg.MQTT.Broker, cfg.MQTT.TopicPrefix, cfg.MQTT.ClientID)
		if err != nil {
			return err
		}
		sinks = append(sinks, mqttSink)
		system = mqttSink
	}
	defer func() {
		if err := sinks.Close(); err != nil {
			log.Errorf("Closing event log: %v", err)
		}
	}()

	status := newStatusStore()
	tareReq := make(chan struct{}, 1)
	if !args.NoService {
		if err := startService(status, tareReq); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Infof("Monitoring scale (logging to %s)", cfg.LogFile)
	log.Infof("Bird weight range: %.0f-%.0fg", cfg.MinWeight, cfg.MaxWeight)

	l := &loop{
		dev:     dev,
		machine: machine,
		sink:    sinks,
		cfg:     cfg,
		status:  status,
		tareReq: tareReq,
		system:  system,
	}
	err = l.run(ctx)
	log.Info("Monitoring stopped")
	return err
}

// makeScale builds the weight source: the mock when simulating,
// otherwise the Acaia adapter using the cached MAC or a fresh scan.
func makeScale(args Args) (scale.Scale, error) {
	if args.Simulate {
		seed := args.Seed
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		log.Infof("Using mock scale with scenario %q (seed %d)", args.Scenario, seed)
		return scale.NewMock(scale.Scenario(args.Scenario), seed)
	}

	mac := ""
	if !args.Discover {
		cached, err := scale.LoadCachedMAC()
		if err != nil {
			log.Warnf("Could not read MAC cache: %v", err)
		}
		mac = cached
	}

	if mac == "" {
		log.Info("Scanning for Acaia scales...")
		found, ok, err := scale.FindAcaia(discoverTimeout)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errors.New("no Acaia scale found, make sure it is on and in pairing mode")
		}
		log.Infof("Found Acaia scale: %s (%s)", found.MAC, found.Name)
		if err := scale.SaveMAC(found.MAC); err != nil {
			log.Warnf("Could not save MAC address: %v", err)
		}
		mac = found.MAC
	} else {
		log.Infof("Using cached MAC address: %s", mac)
	}

	return scale.NewAcaia(mac), nil
}

func connectWithRetries(dev scale.Scale, attempts int) error {
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			time.Sleep(time.Duration(i) * time.Second)
			log.Infof("Retrying connection (%d/%d)", i+1, attempts)
		}
		if err = dev.Connect(); err == nil {
			return nil
		}
		log.Errorf("Connecting to scale: %v", err)
	}
	return err
}
