package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

const version = "1.0.0"

// stateWsPath is the HTTP path the state websocket is served on.
const stateWsPath = "/ws/state"

func printVersion() {
	fmt.Printf("scrolltamer v%s\n", version)
	fmt.Println("Scroll wheel noise filter daemon for Linux input devices")
}

func printUsage() {
	printVersion()
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  scrolltamer [OPTIONS]")
	fmt.Println()
	fmt.Println("DESCRIPTION:")
	fmt.Println("  Daemon that grabs one or more evdev devices, runs their scroll wheel")
	fmt.Println("  events through a dead-reckoning noise filter (worn encoders emit")
	fmt.Println("  phantom clicks at rest), and re-emits the cleaned stream on a uinput")
	fmt.Println("  virtual device. Non-wheel events pass through untouched.")
	fmt.Println()
	fmt.Println("  Configuration lives in a YAML file; flags below override individual")
	fmt.Println("  values for the current run. A default file is written on first start.")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Println("  -config string")
	fmt.Printf("        Path to YAML config file (default %q)\n", defaultConfigPath)
	fmt.Println()
	fmt.Println("  -device string")
	fmt.Println("        Capture a single input event node, e.g. /dev/input/event5")
	fmt.Println("        (overrides the input.devices list from the config file)")
	fmt.Println()
	fmt.Println("  -no-grab")
	fmt.Println("        Do not take exclusive access to the input devices. Suppressed")
	fmt.Println("        wheel events then still reach other readers of the raw device.")
	fmt.Println()
	fmt.Println("  -threshold float")
	fmt.Printf("        Accumulated clicks required before wheel motion is forwarded (default %.1f)\n", defaultThreshold)
	fmt.Println()
	fmt.Println("  -off-threshold float")
	fmt.Printf("        Clicks at or below which an active wheel releases; 0 disables hysteresis (default %.1f)\n", defaultOffThreshold)
	fmt.Println()
	fmt.Println("  -recenter-speed float")
	fmt.Printf("        Drift bleed rate in clicks/s (default %.1f)\n", defaultRecenterSpeed)
	fmt.Println()
	fmt.Println("  -overscroll")
	fmt.Println("        Enable overscroll compensation (predicts flick overshoot and")
	fmt.Println("        pays it back by eating trailing clicks)")
	fmt.Println()
	fmt.Println("  -output-name string")
	fmt.Printf("        Name the uinput virtual device announces (default %q)\n", defaultOutputName)
	fmt.Println()
	fmt.Println("  -update-hz int")
	fmt.Printf("        Tick loop frequency in Hz for relaxing quiet wheels (default %d)\n", defaultUpdateHz)
	fmt.Println()
	fmt.Println("  -ipc-socket string")
	fmt.Printf("        Unix domain socket path for IPC (default %q)\n", defaultSocketPath)
	fmt.Println()
	fmt.Println("  -state-ws-port int")
	fmt.Printf("        State websocket port; 0 disables the state server (default %d)\n", defaultStateWsPort)
	fmt.Println()
	fmt.Println("  -log-level string")
	fmt.Println("        Log level: error, warn, info, debug (default \"info\")")
	fmt.Println()
	fmt.Println("  -log-file string")
	fmt.Println("        Append logs to this file instead of stderr")
	fmt.Println()
	fmt.Println("  -version")
	fmt.Println("        Print version and exit")
	fmt.Println()
	fmt.Println("  -help")
	fmt.Println("        Print this help message")
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("  # Start with the config file (written with defaults on first run)")
	fmt.Println("  scrolltamer")
	fmt.Println()
	fmt.Println("  # Filter a specific mouse, more aggressive gating")
	fmt.Println("  scrolltamer -device /dev/input/event7 -threshold 3")
	fmt.Println()
	fmt.Println("  # Pause/resume filtering from a shell (see scrolltamer-ctl)")
	fmt.Println("  scrolltamer-ctl pause")
	fmt.Println()
	fmt.Println("NOTES:")
	fmt.Println("  - Requires read access to the input devices and write access to")
	fmt.Println("    /dev/uinput (run as root or add udev rules for the 'input' group)")
	fmt.Printf("  - Live filter state is published on ws://<host>:<port>%s\n", stateWsPath)
	fmt.Println("  - Thresholds are in wheel clicks; hi-res wheels (120 units/click)")
	fmt.Println("    are detected per event code and scaled automatically")
	fmt.Println()
}

func main() {
	// Check for version/help flags early so they work even with an invalid
	// config on disk
	for _, arg := range os.Args[1:] {
		if arg == "-version" || arg == "--version" {
			printVersion()
			return
		}
		if arg == "-help" || arg == "--help" || arg == "-h" {
			printUsage()
			return
		}
	}

	var (
		configPath = flag.String("config", defaultConfigPath, "Path to YAML config file")

		device = flag.String("device", "", "Capture a single input event node (overrides input.devices)")
		noGrab = flag.Bool("no-grab", false, "Do not take exclusive access to the input devices")

		threshold     = flag.Float64("threshold", defaultThreshold, "Accumulated clicks required before wheel motion is forwarded")
		offThreshold  = flag.Float64("off-threshold", defaultOffThreshold, "Clicks at or below which an active wheel releases (0 disables hysteresis)")
		recenterSpeed = flag.Float64("recenter-speed", defaultRecenterSpeed, "Drift bleed rate in clicks/s")

		overscroll = flag.Bool("overscroll", false, "Enable overscroll compensation")

		outputName = flag.String("output-name", defaultOutputName, "Name the uinput virtual device announces")
		updateHz   = flag.Int("update-hz", defaultUpdateHz, "Tick loop frequency in Hz")

		ipcSocketPath = flag.String("ipc-socket", defaultSocketPath, "Unix domain socket path for IPC")
		stateWsPort   = flag.Int("state-ws-port", defaultStateWsPort, "State websocket port (0 disables)")

		logLevelStr = flag.String("log-level", "info", "Log level: error, warn, info, debug")
		logFile     = flag.String("log-file", "", "Append logs to this file instead of stderr")

		showVersion = flag.Bool("version", false, "Print version and exit")
		showHelp    = flag.Bool("help", false, "Print help message")
	)

	flag.Usage = printUsage
	flag.Parse()

	if *showHelp {
		printUsage()
		return
	}
	if *showVersion {
		printVersion()
		return
	}

	// Load config file. A missing file is first run: write the defaults so
	// the operator has something to edit, and continue with them.
	cfg := DefaultConfig()
	wroteDefaultConfig := false
	if *configPath != "" {
		loaded, err := LoadConfigFile(*configPath)
		switch {
		case err == nil:
			cfg = loaded
		case errors.Is(err, os.ErrNotExist):
			if werr := WriteDefaultConfig(*configPath); werr != nil {
				fmt.Fprintln(os.Stderr, "error:", werr)
				os.Exit(1)
			}
			wroteDefaultConfig = true
		default:
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
	}

	// Apply flag overrides on top of the file. Only flags the user actually
	// set override; flag defaults never clobber file values.
	var overrides FlagOverrides
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "device":
			overrides.Device = device
		case "no-grab":
			overrides.NoGrab = noGrab
		case "threshold":
			overrides.Threshold = threshold
		case "off-threshold":
			overrides.OffThreshold = offThreshold
		case "recenter-speed":
			overrides.RecenterSpeed = recenterSpeed
		case "overscroll":
			overrides.OverscrollEnabled = overscroll
		case "output-name":
			overrides.OutputName = outputName
		case "update-hz":
			overrides.UpdateHz = updateHz
		case "ipc-socket":
			overrides.IPCSocketPath = ipcSocketPath
		case "state-ws-port":
			overrides.StateWsPort = stateWsPort
		case "log-level":
			overrides.LogLevel = logLevelStr
		case "log-file":
			overrides.LogFile = logFile
		}
	})
	overrides.Apply(&cfg)

	logLevel, err := parseLogLevel(cfg.Logging.Level)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	// Validate merged config
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	// Setup logger
	logOut, logCloser, err := openLogOutput(cfg.Logging.File)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}
	logger := setupLogger(logLevel, logOut)

	if wroteDefaultConfig {
		logger.Info("wrote default config", "path", ExpandPath(*configPath))
	}

	logger.Debug("starting scrolltamer", "version", version)
	logger.Debug("configuration",
		"devices", cfg.Input.Devices,
		"grab", cfg.Input.Grab,
		"threshold", cfg.Filter.Threshold,
		"off_threshold", cfg.Filter.OffThreshold,
		"recenter_speed", cfg.Filter.RecenterSpeed,
		"overscroll", cfg.Overscroll.Enabled,
		"output_name", cfg.Output.DeviceName,
		"update_hz", cfg.Daemon.UpdateHz,
		"settle_ms", cfg.Daemon.SettleMS,
		"ipc_socket", cfg.IPC.SocketPath,
		"state_ws_port", cfg.State.WsPort)

	// Open input devices. os.Exit skips defers, so error paths release the
	// devices already opened before exiting.
	devFiles := make([]*os.File, 0, len(cfg.Input.Devices))
	releaseAll := func() {
		for _, f := range devFiles {
			releaseInputDevice(f, cfg.Input.Grab)
		}
	}
	for _, path := range cfg.Input.Devices {
		f, err := openInputDevice(path, cfg.Input.Grab, logger)
		if err != nil {
			logger.Error("failed to open input device", "device", path, "error", err, "tip", "run as root or add user to 'input' group")
			releaseAll()
			os.Exit(1)
		}
		devFiles = append(devFiles, f)
	}
	defer releaseAll()

	// Create the virtual output device
	sink, err := NewUinputSink(cfg.Output.DeviceName, logger)
	if err != nil {
		logger.Error("failed to create uinput device", "error", err, "tip", "run as root or add a udev rule for /dev/uinput")
		releaseAll()
		os.Exit(1)
	}
	defer sink.Close()

	// Daemon-owned state
	state := NewDaemonState()

	// Channels between the pipeline stages
	devEvents := make(chan deviceEvent, 256)
	events := make(chan Event, 256)

	var broadcasts chan StateBroadcast
	if cfg.State.WsPort > 0 {
		broadcasts = make(chan StateBroadcast, 256)
	}

	// Shutdown on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Device reader
	g.Go(func() error {
		return readDeviceEvents(ctx, devFiles, devEvents)
	})

	// Daemon brain
	g.Go(func() error {
		return runDaemon(ctx, devEvents, events, sink, &cfg, state, broadcasts, logger)
	})

	// IPC server
	g.Go(func() error {
		return runIPCServer(ctx, cfg.IPC.SocketPath, events, logger)
	})

	// State websocket server
	if cfg.State.WsPort > 0 {
		wsServer := NewServer(logger, events, ServerConfig{})

		mux := http.NewServeMux()
		wsServer.Register(mux, stateWsPath)

		httpServer := &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.State.WsPort),
			Handler: mux,
		}

		g.Go(func() error {
			wsServer.Hub().Run(ctx)
			return nil
		})
		g.Go(func() error {
			RunBroadcaster(ctx, wsServer.Hub(), broadcasts, logger)
			return nil
		})
		g.Go(func() error {
			logger.Info("state websocket listening", "addr", httpServer.Addr, "path", stateWsPath)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("state server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = httpServer.Shutdown(shutdownCtx)
			return nil
		})
	}

	logger.Info("listening",
		"devices", cfg.Input.Devices,
		"output", cfg.Output.DeviceName,
		"ipc", cfg.IPC.SocketPath,
		"state_ws_port", cfg.State.WsPort,
		"update_rate_hz", cfg.Daemon.UpdateHz)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("daemon stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("shutting down")
}
