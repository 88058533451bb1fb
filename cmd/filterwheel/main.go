package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/cjeanneret/filterwheel/internal/command"
	"github.com/cjeanneret/filterwheel/internal/config"
	"github.com/cjeanneret/filterwheel/internal/debug"
	"github.com/cjeanneret/filterwheel/internal/hw/channel"
	"github.com/cjeanneret/filterwheel/internal/hw/gpio"
	"github.com/cjeanneret/filterwheel/internal/hw/sim"
	"github.com/cjeanneret/filterwheel/internal/hw/stepper"
	"github.com/cjeanneret/filterwheel/internal/logic/motion"
	"github.com/cjeanneret/filterwheel/internal/logic/poll"
	"github.com/cjeanneret/filterwheel/internal/logic/sequence"
	"github.com/cjeanneret/filterwheel/internal/logic/trace"
	"github.com/cjeanneret/filterwheel/internal/web"
)

// cliFlags holds command line values that override the config file.
type cliFlags struct {
	mock   bool
	stress int
	trace  string
	web    *webPortFlag
}

func main() {
	// CLI flags
	flags := cliFlags{web: &webPortFlag{defaultPort: 8080}}
	flag.Var(flags.web, "web", "start web server on port; -web= for default 8080, -web 8980 for custom port")
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	flag.BoolVar(&flags.mock, "mock", false, "use the simulated wheel instead of the hardware")
	flag.IntVar(&flags.stress, "stress", 0, "home, run this many random moves, report and exit")
	flag.StringVar(&flags.trace, "trace", "", "write a raw sensor trace of every motion tick to this file")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := validateFlags(flags); err != nil {
		log.Fatalf("invalid flag: %v", err)
	}
	if err := config.ValidateConfigPath(*cfgPath); err != nil {
		log.Fatalf("invalid config path: %v", err)
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}
	applyOverrides(cfg, flags)

	// Initialize debug system
	debug.Init(cfg.Defaults.DebugLevel)
	var broadcaster *web.StatusBroadcaster
	if cfg.Server.WebPort > 0 {
		broadcaster = web.NewStatusBroadcaster()
		debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))
	}
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)
	debug.PrintStruct("Motion config", cfg.Wheel.Motion)

	if n := *cfg.Defaults.Nice; n != 0 {
		if err := setPriority(n); err != nil {
			debug.Warn("could not set scheduling priority %d: %v", n, err)
		}
	}

	debug.Step(1, "Opening hardware")
	hw, closeHW, err := openHardware(ctx, cfg)
	if err != nil {
		log.Fatalf("init hardware failed: %v", err)
	}
	defer func() {
		if err := closeHW(); err != nil {
			log.Printf("closing hardware failed: %v", err)
		}
	}()

	debug.Step(2, "Starting controllers")
	loop := poll.New(cfg.MotionInterval(), cfg.IdleInterval())
	diff := motion.NewDiffuser(hw, loop, cfg)
	ctrl := motion.NewController(hw, loop, cfg, diff)

	if cfg.Trace.Path != "" {
		rec, err := trace.Create(cfg.Trace.Path)
		if err != nil {
			log.Fatalf("open trace failed: %v", err)
		}
		defer func() {
			if err := rec.Close(); err != nil {
				log.Printf("closing trace failed: %v", err)
			}
			debug.Info("Trace: %d samples written to %s", rec.Count(), cfg.Trace.Path)
		}()
		ctrl.SetRecorder(rec)
	}

	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer func() {
		stopLoop()
		<-loop.Done()
	}()
	go loop.Run(loopCtx)
	<-loop.Started()

	if err := ctrl.Init(ctx); err != nil {
		log.Fatalf("wheel init failed: %v", err)
	}

	if flags.stress > 0 {
		rep, err := sequence.NewSequence(ctrl).RunStress(ctx, sequence.StressParams{Moves: flags.stress})
		fmt.Printf("stress: %s\n", rep)
		for i, n := range rep.PerFilter {
			fmt.Printf("  filter %d: %d arrivals\n", i+1, n)
		}
		if err != nil {
			log.Printf("stress cycle aborted: %v", err)
		}
		stopWheel(ctrl)
		return
	}

	debug.Step(3, "Starting servers")
	errCh := make(chan error, 2)
	running := 0
	if port := cfg.Server.CommandPort; port > 0 {
		srv := command.NewServer(ctrl, diff, cfg.Server.MaxUsers)
		running++
		go func() {
			errCh <- srv.ListenAndServe(ctx, fmt.Sprintf(":%d", port))
		}()
	}
	if port := cfg.Server.WebPort; port > 0 {
		srv, err := web.NewServer(fmt.Sprintf(":%d", port), broadcaster, ctrl, diff)
		if err != nil {
			log.Fatalf("web server: %v", err)
		}
		running++
		go func() {
			errCh <- srv.Run(ctx)
		}()
	}
	if running == 0 {
		log.Printf("no command or web port configured; nothing to serve")
		return
	}

	debug.Summary("Filter wheel ready")
	var firstErr error
	for i := 0; i < running; i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
			cancel()
		}
	}
	debug.Section("Shutting down")
	stopWheel(ctrl)
	if firstErr != nil {
		log.Printf("server failed: %v", firstErr)
	}
}

// stopWheel halts the motor on the way out.
func stopWheel(ctrl *motion.Controller) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ctrl.Stop(ctx); err != nil {
		debug.Error(err)
	}
}

// openHardware returns the simulated wheel or the real channel, together
// with the function releasing it.
func openHardware(ctx context.Context, cfg *config.Config) (motion.Hardware, func() error, error) {
	if cfg.Defaults.MockHardware {
		return sim.New(cfg, sim.DefaultOptions()), func() error { return nil }, nil
	}

	debug.Value("GPIO driver", cfg.GPIO.Driver)
	g, err := gpio.NewDriver(cfg.GPIO.Driver, cfg.GPIO.Chip)
	if err != nil {
		return nil, nil, fmt.Errorf("gpio: %w", err)
	}

	s := cfg.Wheel.Serial
	sp := cfg.Wheel.Motion.Speeds
	motor, err := stepper.Open(stepper.Config{
		Device:      s.Device,
		BaudRate:    s.BaudRate,
		ReadTimeout: cfg.ReadTimeout(),
		DelayScale:  s.InitDelayScale,
		LowSpeed:    sp.Low,
		HighSpeed:   sp.High,
		Accel:       sp.Accel,
		Decel:       sp.Decel,
	})
	if err != nil {
		return nil, nil, errors.Join(fmt.Errorf("motor controller: %w", err), g.Close())
	}
	if err := motor.Init(ctx); err != nil {
		return nil, nil, errors.Join(fmt.Errorf("motor controller init: %w", err), motor.Close(), g.Close())
	}

	ch, err := channel.New(g, motor, cfg)
	if err != nil {
		return nil, nil, errors.Join(err, motor.Close(), g.Close())
	}
	return ch, ch.Close, nil
}

// validateFlags checks command line values before anything is opened.
func validateFlags(f cliFlags) error {
	if f.stress < 0 {
		return fmt.Errorf("stress must be >= 0, got %d", f.stress)
	}
	if f.trace != "" {
		if info, err := os.Stat(f.trace); err == nil && info.IsDir() {
			return fmt.Errorf("trace path %s is a directory", f.trace)
		}
	}
	return nil
}

// applyOverrides mutates cfg with the command line values that were set.
func applyOverrides(cfg *config.Config, f cliFlags) {
	if f.mock {
		cfg.Defaults.MockHardware = true
	}
	if f.trace != "" {
		cfg.Trace.Path = f.trace
	}
	if f.web != nil && f.web.port() > 0 {
		cfg.Server.WebPort = f.web.port()
	}
}

// webPortFlag implements flag.Value for -web: 0 = disabled, -web= or -web 8080 → 8080, -web 8980 → 8980.
type webPortFlag struct {
	val         int
	defaultPort int
}

func (w *webPortFlag) String() string {
	if w.val == 0 {
		return "0"
	}
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.val = w.defaultPort
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) port() int { return w.val }
