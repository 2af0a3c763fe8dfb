package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/efficientgo/core/testutil"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/mikeclement/teensy-stuff/device"
	"github.com/mikeclement/teensy-stuff/device/class/hid"
)

func load(t *testing.T, args ...string) (*settings, error) {
	t.Helper()
	fs := flag.NewFlagSet("mousemover", flag.ContinueOnError)
	v := viper.New()
	testutil.Ok(t, initConfig(fs, v, args))
	return loadSettings(v)
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	testutil.Ok(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	s, err := load(t)
	testutil.Ok(t, err)
	testutil.Equals(t, logLevelInfo, s.LogLevel)
	testutil.Equals(t, defaultListen, s.Listen)
	testutil.Equals(t, defaultUSBIPListen, s.USBIPListen)
	testutil.Equals(t, defaultBusId, s.BusId)
	testutil.Equals(t, uint32(1), s.BusNum)
	testutil.Equals(t, uint8(defaultAddress), s.Address)
	testutil.Equals(t, defaultSOFInterval, s.SOFInterval)
	testutil.Equals(t, device.DefaultIdentity(), s.Identity)
	testutil.Equals(t, hid.DefaultMouseReport, s.Report)
}

func TestFlags(t *testing.T) {
	t.Chdir(t.TempDir())
	s, err := load(t,
		"--log-level=debug",
		"--bus-id=3-2",
		"--address=9",
		"--sof-interval=0",
		"--poll-interval=5ms",
		"--usb-ids=/a,/b",
	)
	testutil.Ok(t, err)
	testutil.Equals(t, logLevelDebug, s.LogLevel)
	testutil.Equals(t, uint32(3), s.BusNum)
	testutil.Equals(t, uint8(9), s.Address)
	testutil.Equals(t, time.Duration(0), s.SOFInterval)
	testutil.Equals(t, 5*time.Millisecond, s.PollInterval)
	testutil.Equals(t, []string{"/a", "/b"}, s.USBIDs)
}

func TestConfigFile(t *testing.T) {
	path := writeConfig(t, `
usbip-listen: 127.0.0.1:3241
device:
  vendor: 0x16c0
  product: "0x0487"
  product_name: Test Mouse
report:
  buttons: 0x01
  y: -3
`)
	s, err := load(t, "--config="+path)
	testutil.Ok(t, err)
	testutil.Equals(t, "127.0.0.1:3241", s.USBIPListen)

	want := device.DefaultIdentity()
	want.VendorID = 0x16C0
	want.ProductID = 0x0487
	want.Product = "Test Mouse"
	testutil.Equals(t, want, s.Identity)
	testutil.Equals(t, hid.MouseReport{Buttons: 1, X: hid.DefaultMouseReport.X, Y: -3}, s.Report)
}

func TestEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("USBIP_LISTEN", ":4000")
	t.Setenv("ADDRESS", "17")
	s, err := load(t)
	testutil.Ok(t, err)
	testutil.Equals(t, ":4000", s.USBIPListen)
	testutil.Equals(t, uint8(17), s.Address)
}

func TestInvalidSettings(t *testing.T) {
	for _, tc := range []struct {
		name   string
		args   []string
		config string
	}{
		{name: "address zero", args: []string{"--address=0"}},
		{name: "address too large", args: []string{"--address=128"}},
		{name: "negative sof", args: []string{"--sof-interval=-1ms"}},
		{name: "bad bus id", args: []string{"--bus-id=usb1"}},
		{name: "vendor too large", config: "device:\n  vendor: 0x10000\n"},
		{name: "unknown device key", config: "device:\n  serial: abc\n"},
		{name: "button bits", config: "report:\n  buttons: 0x20\n"},
		{name: "axis range", config: "report:\n  x: 128\n"},
		{name: "wheel range", config: "report:\n  wheel: -128\n"},
		{name: "product name too long", config: "device:\n  product_name: " + strings.Repeat("m", 127) + "\n"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Chdir(t.TempDir())
			args := tc.args
			if tc.config != "" {
				args = append(args, "--config="+writeConfig(t, tc.config))
			}
			_, err := load(t, args...)
			testutil.NotOk(t, err)
		})
	}
}

func TestMissingConfigFile(t *testing.T) {
	fs := flag.NewFlagSet("mousemover", flag.ContinueOnError)
	err := initConfig(fs, viper.New(), []string{"--config=" + filepath.Join(t.TempDir(), "missing.yaml")})
	testutil.NotOk(t, err)
}

func TestParseBusId(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want uint32
		ok   bool
	}{
		{"1-1", 1, true},
		{"12-3.4", 12, true},
		{"1", 0, false},
		{"1-", 0, false},
		{"x-1", 0, false},
	} {
		got, err := parseBusId(tc.in)
		if tc.ok != (err == nil) {
			t.Errorf("parseBusId(%q) error = %v, want ok %v", tc.in, err, tc.ok)
			continue
		}
		if got != tc.want {
			t.Errorf("parseBusId(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestNewLogger(t *testing.T) {
	for _, lvl := range []string{logLevelAll, logLevelDebug, logLevelInfo, logLevelWarn, logLevelError, logLevelNone} {
		_, err := newLogger(lvl)
		testutil.Ok(t, err)
	}
	_, err := newLogger("loud")
	testutil.NotOk(t, err)
}
