package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"periph.io/x/conn/v3/physic"
	"tailscale.com/tsweb"

	"github.com/banshee-data/tcam/internal/config"
	"github.com/banshee-data/tcam/internal/db"
	"github.com/banshee-data/tcam/internal/hw"
	"github.com/banshee-data/tcam/internal/lepton/cci"
	"github.com/banshee-data/tcam/internal/lepton/framebuf"
	"github.com/banshee-data/tcam/internal/lepton/session"
	"github.com/banshee-data/tcam/internal/lepton/vospi"
	"github.com/banshee-data/tcam/internal/monitoring"
	"github.com/banshee-data/tcam/internal/stream"
	"github.com/banshee-data/tcam/internal/timeutil"
	"github.com/banshee-data/tcam/internal/version"
)

var (
	configPath = flag.String("config", "", "Path to a JSON config file (defaults apply when empty)")
	devMode    = flag.Bool("dev", false, "Run against a simulated camera instead of hardware")
	listen     = flag.String("listen", "", "Debug HTTP listen address (overrides config)")
	dbPath     = flag.String("db", "", "SQLite database path (overrides config)")
	versionF   = flag.Bool("version", false, "Print the build version and exit")
)

// camera is the set of bus endpoints the controller runs on.
type camera struct {
	bus   cci.Bus
	spi   vospi.PacketSource
	vsync session.VSync
	reset session.ResetPin
	close func() error
}

// openCamera binds to the hardware named in cfg, or to a simulated camera
// in dev mode.
func openCamera(cfg *config.Config, dev bool) (*camera, error) {
	if dev {
		synth := vospi.NewSynthetic(12)
		synth.SetTelemetry(cfg.SessionConfig().Telemetry)
		return &camera{
			bus:   cci.NewSimulator(),
			spi:   synth,
			vsync: &hw.PacedVSync{Clock: timeutil.RealClock{}, Period: vospi.FramePeriod},
			close: func() error { return nil },
		}, nil
	}

	board, err := hw.Open(hw.Options{
		I2CBus:   cfg.GetI2CBus(),
		SPIPort:  cfg.GetSPIPort(),
		SPISpeed: physic.Frequency(cfg.GetSPISpeedHz()) * physic.Hertz,
		VSyncPin: cfg.GetVSyncPin(),
		ResetPin: cfg.GetResetPin(),
	})
	if err != nil {
		return nil, err
	}
	return &camera{
		bus:   board.I2C,
		spi:   board.SPI,
		vsync: board.VSync,
		reset: board.Reset,
		close: board.Close,
	}, nil
}

// attachDebugRoutes mounts the controller pages on the shared /debug/
// handler.
func attachDebugRoutes(mux *http.ServeMux, ctrl *session.Controller, frames *framebuf.Buffer, streamer *stream.Streamer) {
	debug := tsweb.Debugger(mux)
	debug.KV("Version", version.String())
	debug.KVFunc("Lepton state", func() any { return ctrl.State().String() })
	debug.KVFunc("Lepton fault", func() any { return ctrl.Fault().String() })
	debug.KVFunc("Lepton model", func() any { return ctrl.Model().String() })
	debug.KVFunc("Frames streamed", func() any { return streamer.Stats().Frames })

	debug.Handle("lepton", "Controller, hand-off and stream counters (JSON)", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := struct {
			Session session.Stats   `json:"session"`
			Handoff framebuf.Stats  `json:"handoff"`
			Stream  stream.Stats    `json:"stream"`
			Latest  *stream.Summary `json:"latest,omitempty"`
		}{
			Session: ctrl.Stats(),
			Handoff: frames.Stats(),
			Stream:  streamer.Stats(),
		}
		if sum, ok := streamer.Latest(); ok {
			status.Latest = &sum
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(status); err != nil {
			log.Printf("Failed to encode status: %v", err)
		}
	}))

	debug.HandleSilentFunc("ffc", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := ctrl.RunFFC(); err != nil {
			http.Error(w, fmt.Sprintf("FFC failed: %v", err), http.StatusInternalServerError)
			return
		}
		io.WriteString(w, "FFC started\n")
	})

	debug.HandleSilentFunc("settings", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := applySetting(ctrl, r.FormValue("name"), r.FormValue("value")); err != nil {
			code := http.StatusInternalServerError
			if errors.Is(err, errBadSetting) {
				code = http.StatusBadRequest
			}
			http.Error(w, err.Error(), code)
			return
		}
		io.WriteString(w, "ok\n")
	})
}

var errBadSetting = errors.New("bad setting")

// applySetting changes one runtime setting. Settings the camera cannot
// honour are still kept for the next initialisation.
func applySetting(ctrl *session.Controller, name, value string) error {
	switch name {
	case "agc":
		on, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%w: agc %q", errBadSetting, value)
		}
		return ctrl.SetAGC(on)
	case "gain":
		g, err := cci.ParseGainMode(value)
		if err != nil {
			return fmt.Errorf("%w: %v", errBadSetting, err)
		}
		return ctrl.SetGainMode(g)
	case "emissivity":
		e, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%w: emissivity %q", errBadSetting, value)
		}
		return ctrl.SetEmissivity(e)
	case "spotmeter":
		var r1, c1, r2, c2 uint16
		if _, err := fmt.Sscanf(value, "%d,%d,%d,%d", &r1, &c1, &r2, &c2); err != nil {
			return fmt.Errorf("%w: spotmeter %q, want r1,c1,r2,c2", errBadSetting, value)
		}
		err := ctrl.SetSpotmeterROI(r1, c1, r2, c2)
		if errors.Is(err, session.ErrInvalidROI) {
			return fmt.Errorf("%w: %v", errBadSetting, err)
		}
		return err
	}
	return fmt.Errorf("%w: unknown setting %q", errBadSetting, name)
}

func main() {
	flag.Parse()
	if *versionF {
		fmt.Println(version.String())
		return
	}

	cfg := &config.Config{}
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}

	logCloser, err := monitoring.ConfigureOutput(monitoring.LogConfig{
		File:       cfg.GetLogFile(),
		MaxSizeMB:  cfg.GetLogMaxSizeMB(),
		MaxBackups: cfg.GetLogMaxBackups(),
		MaxAgeDays: cfg.GetLogMaxAgeDays(),
		Compress:   true,
	})
	if err != nil {
		log.Fatalf("Failed to configure logging: %v", err)
	}
	defer logCloser.Close()
	log.Printf("starting %s", version.String())

	addr := cfg.GetListenAddr()
	if *listen != "" {
		addr = *listen
	}
	path := cfg.GetDBPath()
	if *dbPath != "" {
		path = *dbPath
	}

	store, err := db.OpenDB(path)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer store.Close()

	faultLog, err := db.NewFaultLog(store, nil)
	if err != nil {
		log.Fatalf("Failed to start fault log: %v", err)
	}
	defer faultLog.Close()
	log.Printf("session %s", faultLog.SessionID())

	cam, err := openCamera(cfg, *devMode)
	if err != nil {
		log.Fatalf("Failed to open camera: %v", err)
	}
	defer cam.close()

	frames := framebuf.New(nil, cfg.GetFramePeriod())
	ctrl := session.New(cfg.SessionConfig(), session.Deps{
		CCI:    cci.New(cam.bus, cci.Options{}),
		Engine: vospi.NewEngine(cam.spi, nil),
		Frames: frames,
		VSync:  cam.vsync,
		Reset:  cam.reset,
		Faults: session.MultiReporter{session.LogReporter{}, faultLog},
	})

	var out io.Writer
	if port := cfg.GetSerialPort(); port != "" {
		serialOut, err := stream.OpenSerial(port, cfg.GetSerialOptions())
		if err != nil {
			log.Fatalf("Failed to open frame output: %v", err)
		}
		defer serialOut.Close()
		out = serialOut
	}
	streamer := stream.New(frames, out)

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := ctrl.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("controller stopped: %v", err)
		}
		log.Print("acquisition routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := streamer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("stream stopped: %v", err)
		}
		log.Print("stream routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		faultLog.RecordStatsEvery(ctx, cfg.GetStatsInterval(), func() (session.Stats, framebuf.Stats) {
			return ctrl.Stats(), frames.Stats()
		})
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := http.NewServeMux()
		attachDebugRoutes(mux, ctrl, frames, streamer)
		streamer.AttachAdminRoutes(mux)
		if err := store.AttachAdminRoutes(mux, faultLog); err != nil {
			log.Printf("database admin routes unavailable: %v", err)
		}

		server := &http.Server{
			Addr:    addr,
			Handler: mux,
		}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}
		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
