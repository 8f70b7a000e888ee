package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sdcard-go/errcode"
	"sdcard-go/services/sdcard/internal/platform/boards"
	"sdcard-go/types"
)

const sdmmcYAML = `
id: logger
bus: sdmmc
clk_pin: 14
cmd_pin: 15
data0_pin: 2
data1_pin: 4
data2_pin: 12
data3_pin: 13
power_ctrl_pin: 21
max_freq_khz: 10000
format_if_mount_failed: true
update_interval: 30s
unit_of_measurement: MB
file_size_sensors:
  - /sdcard/log.csv
`

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, "/sdcard", cfg.MountPoint)
	assert.True(t, cfg.AutoMount)
	assert.False(t, cfg.Mode1Bit)
	assert.Equal(t, uint32(20000), cfg.MaxFreqKHz)
	d, err := cfg.Interval()
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)
}

func TestParse_SDMMC(t *testing.T) {
	cfg, err := ParseBytes([]byte(sdmmcYAML))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate(boards.ESP32))

	bc, err := cfg.BusConfig()
	require.NoError(t, err)
	assert.Equal(t, types.BusSDMMC4Bit, bc.Mode)
	assert.Equal(t, [4]int{2, 4, 12, 13}, bc.Pins.Data)
	assert.Equal(t, 21, bc.Pins.PowerCtrl)
	assert.Equal(t, types.PinUnset, bc.Pins.CardDetect)
	assert.Equal(t, uint32(10000), bc.MaxFreqKHz)

	u, err := cfg.Unit()
	require.NoError(t, err)
	assert.Equal(t, types.MegaByte, u)
	assert.Equal(t, []string{"/sdcard/log.csv"}, cfg.FileSizeSensors)

	cfg.Mode1Bit = true
	bc, err = cfg.BusConfig()
	require.NoError(t, err)
	assert.Equal(t, types.BusSDMMC1Bit, bc.Mode)
	assert.Equal(t, []int{14, 15, 2, 21}, bc.PinSet())
}

func TestParse_UnknownKey(t *testing.T) {
	_, err := ParseBytes([]byte("id: sd0\nspeed: fast\n"))
	require.Error(t, err)
	assert.Equal(t, errcode.InvalidParams, errcode.Of(err))
}

func TestValidate(t *testing.T) {
	spi := func() Config {
		c := Default()
		c.Bus, c.ClkPin, c.MOSIPin, c.MISOPin, c.CSPin = BusSPI, 18, 19, 16, 17
		c.MaxFreqKHz = 4000
		return c
	}
	cases := []struct {
		name  string
		board types.Board
		edit  func(c *Config)
		key   string
	}{
		{"spi ok", boards.PicoDefault, func(c *Config) {}, ""},
		{"no host controller", boards.PicoDefault, func(c *Config) { c.Bus = BusSDMMC; c.CmdPin = 15 }, "bus"},
		{"unknown bus", boards.Host, func(c *Config) { c.Bus = "usb" }, "bus"},
		{"missing cs", boards.PicoDefault, func(c *Config) { c.CSPin = types.PinUnset }, "pins"},
		{"reserved pin", boards.PicoDefault, func(c *Config) { c.CSPin = 25 }, "pins"},
		{"freq", boards.PicoDefault, func(c *Config) { c.MaxFreqKHz = 100 }, "pins"},
		{"bad id", boards.PicoDefault, func(c *Config) { c.ID = "a/b" }, "id"},
		{"relative mount", boards.PicoDefault, func(c *Config) { c.MountPoint = "sdcard" }, "mount_point"},
		{"interval", boards.PicoDefault, func(c *Config) { c.UpdateInterval = "later" }, "update_interval"},
		{"zero interval", boards.PicoDefault, func(c *Config) { c.UpdateInterval = "0s" }, "update_interval"},
		{"unit", boards.PicoDefault, func(c *Config) { c.UnitOfMeasurement = "XB" }, "unit_of_measurement"},
		{"sensor path", boards.PicoDefault, func(c *Config) { c.FileSizeSensors = []string{"log"} }, "file_size_sensors"},
		{"trailing slash mount", boards.PicoDefault, func(c *Config) { c.MountPoint = "/sdcard/" }, ""},
		{"file server", boards.PicoDefault, func(c *Config) { fs := DefaultFileServer(); c.FileServer = &fs }, ""},
		{"file server root", boards.PicoDefault, func(c *Config) { c.FileServer = &FileServer{RootPath: "www"} }, "file_server.root_path"},
		{"file server prefix", boards.PicoDefault, func(c *Config) { c.FileServer = &FileServer{URLPrefix: "a b", RootPath: "/"} }, "file_server.url_prefix"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := spi()
			tc.edit(&c)
			err := c.Validate(tc.board)
			if tc.key == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, errcode.InvalidParams, errcode.Of(err))
			assert.Contains(t, err.Error(), tc.key)
		})
	}
}

func TestParse_FileServer(t *testing.T) {
	cfg, err := ParseBytes([]byte("id: sd0\n"))
	require.NoError(t, err)
	assert.Nil(t, cfg.FileServer, "off unless configured")

	cfg, err = ParseBytes([]byte("file_server:\n  enable_upload: true\n"))
	require.NoError(t, err)
	require.NotNil(t, cfg.FileServer)
	assert.Equal(t, FileServer{URLPrefix: "file", RootPath: "/", EnableDownload: true, EnableUpload: true}, *cfg.FileServer)

	cfg, err = ParseBytes([]byte("file_server:\n  url_prefix: sd\n  root_path: /www\n  enable_download: false\n  enable_deletion: true\n"))
	require.NoError(t, err)
	assert.Equal(t, FileServer{URLPrefix: "sd", RootPath: "/www", EnableDeletion: true}, *cfg.FileServer)
}

func TestFourBitNeedsAllDataPins(t *testing.T) {
	cfg, err := ParseBytes([]byte(sdmmcYAML))
	require.NoError(t, err)
	cfg.Data3Pin = types.PinUnset
	err = cfg.Validate(boards.ESP32)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrMissingPin)
}

func TestYAML_RoundTrip(t *testing.T) {
	cfg, err := ParseBytes([]byte(sdmmcYAML))
	require.NoError(t, err)
	out, err := cfg.YAML()
	require.NoError(t, err)
	back, err := ParseBytes(out)
	require.NoError(t, err)
	assert.Equal(t, cfg, back)
}

func TestFromEnv(t *testing.T) {
	t.Setenv("SDCARD_ID", "env0")
	t.Setenv("SDCARD_BUS", "spi")
	t.Setenv("SDCARD_CLK_PIN", "18")
	t.Setenv("SDCARD_MOSI_PIN", "19")
	t.Setenv("SDCARD_MISO_PIN", "16")
	t.Setenv("SDCARD_CS_PIN", "17")
	t.Setenv("SDCARD_MAX_FREQ_KHZ", "8000")
	t.Setenv("SDCARD_FILE_SIZE_SENSORS", "/a.log, /b.log")

	cfg, err := FromEnv("")
	require.NoError(t, err)
	assert.Equal(t, "env0", cfg.ID)
	assert.Equal(t, uint32(8000), cfg.MaxFreqKHz)
	assert.Equal(t, "/sdcard", cfg.MountPoint)
	assert.True(t, cfg.AutoMount)
	assert.Equal(t, []string{"/a.log", "/b.log"}, cfg.FileSizeSensors)
	require.NoError(t, cfg.Validate(boards.PicoDefault))

	bc, err := cfg.BusConfig()
	require.NoError(t, err)
	assert.Equal(t, types.BusSPI, bc.Mode)
	assert.Equal(t, types.PinUnset, bc.Pins.PowerCtrl)
}
