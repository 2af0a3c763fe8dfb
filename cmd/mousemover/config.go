package main

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/mitchellh/mapstructure"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/mikeclement/teensy-stuff/device"
	"github.com/mikeclement/teensy-stuff/device/class/hid"
)

const (
	defaultListen      = ":8080"
	defaultUSBIPListen = ":3240"
	defaultBusId       = "1-1"
	defaultAddress     = 2
	defaultSOFInterval = time.Millisecond
)

// settings is the resolved configuration of the daemon.
type settings struct {
	LogLevel     string
	Listen       string
	USBIPListen  string
	BusId        string
	BusNum       uint32
	Address      uint8
	SOFInterval  time.Duration
	PollInterval time.Duration
	CPUProfile   string
	HeapProfile  string
	USBIDs       []string

	Identity device.Identity
	Report   hid.MouseReport
}

// deviceConfig is the "device" section of the config file.
type deviceConfig struct {
	Vendor       int    `json:"vendor"`
	Product      int    `json:"product"`
	BCDDevice    int    `json:"bcd_device"`
	Manufacturer string `json:"manufacturer"`
	ProductName  string `json:"product_name"`
}

// reportConfig is the "report" section of the config file.
type reportConfig struct {
	Buttons int `json:"buttons"`
	X       int `json:"x"`
	Y       int `json:"y"`
	Wheel   int `json:"wheel"`
}

// initConfig defines config flags, config file, and envs
func initConfig(fs *flag.FlagSet, v *viper.Viper, args []string) error {
	cfgFile := fs.String("config", "", "Path to the config file.")
	fs.String("log-level", logLevelInfo, fmt.Sprintf("Log level to use. Possible values: %s", availableLogLevels))
	fs.String("listen", defaultListen, "The address at which to listen for health, metrics and pprof.")
	fs.String("usbip-listen", defaultUSBIPListen, "The address at which to export the mouse over USB/IP.")
	fs.String("bus-id", defaultBusId, "The USB/IP bus id of the exported mouse.")
	fs.Uint8("address", defaultAddress, "The USB address assigned to the mouse on import.")
	fs.Duration("sof-interval", defaultSOFInterval, "Interval between simulated start-of-frame tokens; 0 disables them.")
	fs.Duration("poll-interval", 0, "Interrupt endpoint poll interval of the USB/IP server; 0 uses the server default.")
	fs.String("cpu-profile", "", "Write a CPU profile to this file until exit.")
	fs.String("heap-profile", "", "Write a heap profile to this file on exit.")
	fs.StringSlice("usb-ids", nil, "Paths searched for the usb.ids database.")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := v.BindPFlags(fs); err != nil {
		return fmt.Errorf("failed to bind config: %w", err)
	}

	if *cfgFile != "" {
		v.SetConfigFile(*cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/mousemover/")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; ignore error
		} else {
			// Config file was found but another error was produced
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return nil
}

// loadSettings resolves the flags and config file bound to v.
func loadSettings(v *viper.Viper) (*settings, error) {
	s := &settings{
		LogLevel:     v.GetString("log-level"),
		Listen:       v.GetString("listen"),
		USBIPListen:  v.GetString("usbip-listen"),
		BusId:        v.GetString("bus-id"),
		SOFInterval:  v.GetDuration("sof-interval"),
		PollInterval: v.GetDuration("poll-interval"),
		CPUProfile:   v.GetString("cpu-profile"),
		HeapProfile:  v.GetString("heap-profile"),
		USBIDs:       v.GetStringSlice("usb-ids"),
	}

	busNum, err := parseBusId(s.BusId)
	if err != nil {
		return nil, err
	}
	s.BusNum = busNum

	addr := v.GetUint("address")
	if addr == 0 || addr > 127 {
		return nil, fmt.Errorf("address %d out of range 1-127", addr)
	}
	s.Address = uint8(addr)
	if s.SOFInterval < 0 {
		return nil, fmt.Errorf("sof-interval %v is negative", s.SOFInterval)
	}

	id := device.DefaultIdentity()
	dc := deviceConfig{
		Vendor:       int(id.VendorID),
		Product:      int(id.ProductID),
		BCDDevice:    int(id.DeviceVersion),
		Manufacturer: id.Manufacturer,
		ProductName:  id.Product,
	}
	if err := decodeSection(v, "device", &dc); err != nil {
		return nil, err
	}
	for name, val := range map[string]int{"vendor": dc.Vendor, "product": dc.Product, "bcd_device": dc.BCDDevice} {
		if val < 0 || val > math.MaxUint16 {
			return nil, fmt.Errorf("device.%s 0x%x out of range", name, val)
		}
	}
	for name, val := range map[string]string{"manufacturer": dc.Manufacturer, "product_name": dc.ProductName} {
		if n := len(utf16.Encode([]rune(val))); n > device.MaxStringUnits {
			return nil, fmt.Errorf("device.%s is %d UTF-16 units long, the limit is %d", name, n, device.MaxStringUnits)
		}
	}
	s.Identity = device.Identity{
		VendorID:      uint16(dc.Vendor),
		ProductID:     uint16(dc.Product),
		DeviceVersion: uint16(dc.BCDDevice),
		Manufacturer:  dc.Manufacturer,
		Product:       dc.ProductName,
	}

	def := hid.DefaultMouseReport
	rc := reportConfig{Buttons: int(def.Buttons), X: int(def.X), Y: int(def.Y), Wheel: int(def.Wheel)}
	if err := decodeSection(v, "report", &rc); err != nil {
		return nil, err
	}
	if rc.Buttons < 0 || rc.Buttons > 0x1F {
		return nil, fmt.Errorf("report.buttons 0x%x has bits beyond the five buttons", rc.Buttons)
	}
	for name, val := range map[string]int{"x": rc.X, "y": rc.Y, "wheel": rc.Wheel} {
		if val < -127 || val > 127 {
			return nil, fmt.Errorf("report.%s %d out of range -127..127", name, val)
		}
	}
	s.Report = hid.MouseReport{Buttons: uint8(rc.Buttons), X: int8(rc.X), Y: int8(rc.Y), Wheel: int8(rc.Wheel)}

	return s, nil
}

// decodeSection decodes the config map under key into out, keeping the
// values already in out for keys the section does not set.
func decodeSection(v *viper.Viper, key string, out any) error {
	raw := v.Get(key)
	if raw == nil {
		return nil
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "json",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(raw); err != nil {
		return fmt.Errorf("failed to decode %s config %q: %w", key, raw, err)
	}
	return nil
}

// parseBusId returns the bus number of a "bus-port" id.
func parseBusId(busId string) (uint32, error) {
	bus, port, ok := strings.Cut(busId, "-")
	if !ok || port == "" {
		return 0, fmt.Errorf("bus id %q is not of the form <bus>-<port>", busId)
	}
	n, err := strconv.ParseUint(bus, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("bus id %q: %w", busId, err)
	}
	return uint32(n), nil
}
