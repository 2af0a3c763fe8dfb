// Command mousemover runs the simulated Teensy mouse and exports it over
// USB/IP, so a Linux host can attach it with "usbip attach".
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/mikeclement/teensy-stuff/device"
	"github.com/mikeclement/teensy-stuff/device/bdt"
	"github.com/mikeclement/teensy-stuff/device/class/hid"
	"github.com/mikeclement/teensy-stuff/device/hal/sim"
	"github.com/mikeclement/teensy-stuff/pkg"
	"github.com/mikeclement/teensy-stuff/pkg/prof"
	"github.com/mikeclement/teensy-stuff/pkg/usbid"
	"github.com/mikeclement/teensy-stuff/usbip"
)

const (
	logLevelAll   = "all"
	logLevelDebug = "debug"
	logLevelInfo  = "info"
	logLevelWarn  = "warn"
	logLevelError = "error"
	logLevelNone  = "none"
)

var (
	availableLogLevels = strings.Join([]string{
		logLevelAll,
		logLevelDebug,
		logLevelInfo,
		logLevelWarn,
		logLevelError,
		logLevelNone,
	}, ", ")
)

// newLogger builds the process logger and points the driver's slog output
// at the same level.
func newLogger(logLevel string) (log.Logger, error) {
	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stdout))
	var driverLevel slog.Level
	switch logLevel {
	case logLevelAll:
		logger = level.NewFilter(logger, level.AllowAll())
		driverLevel = slog.LevelDebug
	case logLevelDebug:
		logger = level.NewFilter(logger, level.AllowDebug())
		driverLevel = slog.LevelDebug
	case logLevelInfo:
		logger = level.NewFilter(logger, level.AllowInfo())
		driverLevel = slog.LevelInfo
	case logLevelWarn:
		logger = level.NewFilter(logger, level.AllowWarn())
		driverLevel = slog.LevelWarn
	case logLevelError:
		logger = level.NewFilter(logger, level.AllowError())
		driverLevel = slog.LevelError
	case logLevelNone:
		logger = level.NewFilter(logger, level.AllowNone())
		driverLevel = slog.LevelError + 4
	default:
		return nil, fmt.Errorf("log level %v unknown; possible values are: %s", logLevel, availableLogLevels)
	}
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	logger = log.With(logger, "caller", log.DefaultCaller)

	pkg.SetLogLevel(driverLevel)
	pkg.SetLogger(pkg.NewJSONLogger(os.Stdout, nil))
	return logger, nil
}

// Main is the principal function for the binary, wrapped only by `main` for convenience.
func Main() error {
	v := viper.New()
	if err := initConfig(flag.CommandLine, v, os.Args[1:]); err != nil {
		return err
	}
	cfg, err := loadSettings(v)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}

	if cfg.CPUProfile != "" {
		if err := prof.StartCPU(cfg.CPUProfile); err != nil {
			return fmt.Errorf("failed to start CPU profile %s: %w", cfg.CPUProfile, err)
		}
		defer func() {
			if err := prof.StopCPU(); err != nil {
				_ = level.Warn(logger).Log("msg", "failed to finish CPU profile", "err", err)
			}
		}()
	}
	if cfg.HeapProfile != "" {
		defer func() {
			if err := prof.Write(prof.ProfileHeap, cfg.HeapProfile); err != nil {
				_ = level.Warn(logger).Log("msg", "failed to write heap profile", "err", err)
			}
		}()
	}

	var vendorName, productName string
	if db, err := usbid.Open(cfg.USBIDs...); err != nil {
		_ = level.Debug(logger).Log("msg", "usb.ids not loaded", "err", err)
	} else {
		vendorName = db.Vendor(cfg.Identity.VendorID)
		productName = db.Product(cfg.Identity.VendorID, cfg.Identity.ProductID)
		_ = level.Debug(logger).Log("msg", "loaded usb.ids", "path", db.Source())
	}

	table := bdt.New()
	ctrl := sim.New(table)
	mouse := hid.NewMouseEndpoint(table, hid.MouseEndpointNumber, cfg.Report)
	store := hid.MouseDescriptors(cfg.Identity)
	drv := device.New(ctrl, table, store)
	if err := drv.Register(hid.MouseEndpointNumber, mouse); err != nil {
		return fmt.Errorf("failed to register mouse endpoint: %w", err)
	}
	if err := drv.Init(); err != nil {
		return fmt.Errorf("failed to initialize USB driver: %w", err)
	}
	_ = level.Info(logger).Log(
		"msg", "mouse ready",
		"vendor", fmt.Sprintf("%04x", cfg.Identity.VendorID),
		"product", fmt.Sprintf("%04x", cfg.Identity.ProductID),
		"vendor_name", vendorName,
		"product_name", productName,
		"report", fmt.Sprintf("%+v", cfg.Report),
	)

	r := prometheus.NewRegistry()
	r.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		newDriverCollector(drv, mouse),
		newDeviceInfo(cfg.Identity, cfg.BusId, vendorName, productName),
	)

	var g run.Group
	{
		// Run the HTTP server.
		mux := http.NewServeMux()
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		mux.Handle("/metrics", promhttp.HandlerFor(r, promhttp.HandlerOpts{}))
		prof.Register(mux)
		l, err := net.Listen("tcp", cfg.Listen)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %v", cfg.Listen, err)
		}

		g.Add(func() error {
			if err := http.Serve(l, mux); err != nil && err != http.ErrServerClosed && !errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("server exited unexpectedly: %v", err)
			}
			return nil
		}, func(error) {
			_ = l.Close()
		})
	}

	{
		// Exit gracefully on SIGINT and SIGTERM.
		term := make(chan os.Signal, 1)
		signal.Notify(term, syscall.SIGINT, syscall.SIGTERM)
		cancel := make(chan struct{})
		g.Add(func() error {
			for {
				select {
				case <-term:
					_ = logger.Log("msg", "caught interrupt; gracefully cleaning up; see you next time!")
					return nil
				case <-cancel:
					return nil
				}
			}
		}, func(error) {
			close(cancel)
		})
	}

	{
		// Export the mouse over USB/IP.
		dev := &usbip.Device{
			BusId:       cfg.BusId,
			Path:        "/sys/devices/platform/mousemover/usb" + fmt.Sprint(cfg.BusNum) + "/" + cfg.BusId,
			BusNum:      cfg.BusNum,
			DevNum:      uint32(cfg.Address),
			Host:        sim.NewHost(ctrl),
			Descriptors: store,
		}
		s := usbip.NewServer(dev, log.With(logger, "component", "usbip"),
			prometheus.WrapRegistererWithPrefix("mousemover_", r),
			usbip.WithPollInterval(cfg.PollInterval))
		l, err := net.Listen("tcp", cfg.USBIPListen)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %v", cfg.USBIPListen, err)
		}

		g.Add(func() error {
			return s.Serve(l)
		}, func(error) {
			if err := s.Close(); err != nil {
				_ = level.Warn(logger).Log("msg", "failed to stop USB/IP server", "err", err)
			}
		})
	}

	if cfg.SOFInterval > 0 {
		// Drive start-of-frame tokens like a host controller would.
		ticker := time.NewTicker(cfg.SOFInterval)
		cancel := make(chan struct{})
		g.Add(func() error {
			for {
				select {
				case <-ticker.C:
					if ctrl.Connected() {
						ctrl.StartOfFrame()
					}
				case <-cancel:
					return nil
				}
			}
		}, func(error) {
			ticker.Stop()
			close(cancel)
		})
	}

	return g.Run()
}

func main() {
	if err := Main(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Execution failed: %v\n", err)
		os.Exit(1)
	}
}
