// Package config holds the user-facing configuration of one SD-card slot.
// It is read from YAML or from environment variables and converted into the
// typed bus configuration used by the driver.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	envconfig "github.com/gobeaver/beaver-kit/config"
	"gopkg.in/yaml.v3"

	"sdcard-go/errcode"
	"sdcard-go/types"
	"sdcard-go/x/timex"
)

const (
	BusSDMMC = "sdmmc"
	BusSPI   = "spi"

	DefaultMountPoint = "/sdcard"
)

// Config mirrors the slot's YAML schema. Pins left at -1 are not wired.
type Config struct {
	ID  string `yaml:"id" json:"id"`
	Bus string `yaml:"bus" json:"bus"`

	ClkPin   int  `yaml:"clk_pin" json:"clk_pin"`
	CmdPin   int  `yaml:"cmd_pin" json:"cmd_pin"`
	Data0Pin int  `yaml:"data0_pin" json:"data0_pin"`
	Data1Pin int  `yaml:"data1_pin" json:"data1_pin"`
	Data2Pin int  `yaml:"data2_pin" json:"data2_pin"`
	Data3Pin int  `yaml:"data3_pin" json:"data3_pin"`
	MOSIPin  int  `yaml:"mosi_pin" json:"mosi_pin"`
	MISOPin  int  `yaml:"miso_pin" json:"miso_pin"`
	CSPin    int  `yaml:"cs_pin" json:"cs_pin"`
	Mode1Bit bool `yaml:"mode_1bit" json:"mode_1bit"`

	PowerCtrlPin  int `yaml:"power_ctrl_pin" json:"power_ctrl_pin"`
	CardDetectPin int `yaml:"card_detect_pin" json:"card_detect_pin"`

	MaxFreqKHz          uint32 `yaml:"max_freq_khz" json:"max_freq_khz"`
	MountPoint          string `yaml:"mount_point" json:"mount_point"`
	AutoMount           bool   `yaml:"auto_mount" json:"auto_mount"`
	FormatIfMountFailed bool   `yaml:"format_if_mount_failed" json:"format_if_mount_failed"`

	UpdateInterval    string   `yaml:"update_interval" json:"update_interval"`
	UnitOfMeasurement string   `yaml:"unit_of_measurement" json:"unit_of_measurement"`
	FileSizeSensors   []string `yaml:"file_size_sensors" json:"file_size_sensors,omitempty"`

	// FileServer exposes the card over HTTP when present.
	FileServer *FileServer `yaml:"file_server,omitempty" json:"file_server,omitempty"`
}

// FileServer is the optional HTTP file browser. Download is on by
// default; deletion and upload must be enabled explicitly.
type FileServer struct {
	URLPrefix      string `yaml:"url_prefix" json:"url_prefix"`
	RootPath       string `yaml:"root_path" json:"root_path"`
	EnableDeletion bool   `yaml:"enable_deletion" json:"enable_deletion"`
	EnableDownload bool   `yaml:"enable_download" json:"enable_download"`
	EnableUpload   bool   `yaml:"enable_upload" json:"enable_upload"`
}

func DefaultFileServer() FileServer {
	return FileServer{URLPrefix: "file", RootPath: "/", EnableDownload: true}
}

// UnmarshalYAML fills keys missing from the block with their defaults.
func (f *FileServer) UnmarshalYAML(n *yaml.Node) error {
	type plain FileServer
	v := plain(DefaultFileServer())
	if err := n.Decode(&v); err != nil {
		return err
	}
	*f = FileServer(v)
	return nil
}

// Default returns a configuration with every optional key at its default.
func Default() Config {
	return Config{
		ID:                "sd0",
		Bus:               BusSDMMC,
		ClkPin:            types.PinUnset,
		CmdPin:            types.PinUnset,
		Data0Pin:          types.PinUnset,
		Data1Pin:          types.PinUnset,
		Data2Pin:          types.PinUnset,
		Data3Pin:          types.PinUnset,
		MOSIPin:           types.PinUnset,
		MISOPin:           types.PinUnset,
		CSPin:             types.PinUnset,
		PowerCtrlPin:      types.PinUnset,
		CardDetectPin:     types.PinUnset,
		MaxFreqKHz:        types.DefaultFreqKHz,
		MountPoint:        DefaultMountPoint,
		AutoMount:         true,
		UpdateInterval:    "60s",
		UnitOfMeasurement: "B",
	}
}

// Parse decodes YAML over the defaults. Unknown keys are rejected.
func Parse(r io.Reader) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, &errcode.E{C: errcode.InvalidParams, Op: "config", Msg: "yaml", Err: err}
	}
	return cfg, nil
}

func ParseBytes(b []byte) (Config, error) { return Parse(bytes.NewReader(b)) }

// YAML renders cfg back to its YAML form.
func (c Config) YAML() ([]byte, error) { return yaml.Marshal(c) }

// envConfig is the flat environment form. Sensor paths are comma separated.
type envConfig struct {
	ID                  string `env:"SDCARD_ID,default:sd0"`
	Bus                 string `env:"SDCARD_BUS,default:sdmmc"`
	ClkPin              int    `env:"SDCARD_CLK_PIN,default:-1"`
	CmdPin              int    `env:"SDCARD_CMD_PIN,default:-1"`
	Data0Pin            int    `env:"SDCARD_DATA0_PIN,default:-1"`
	Data1Pin            int    `env:"SDCARD_DATA1_PIN,default:-1"`
	Data2Pin            int    `env:"SDCARD_DATA2_PIN,default:-1"`
	Data3Pin            int    `env:"SDCARD_DATA3_PIN,default:-1"`
	MOSIPin             int    `env:"SDCARD_MOSI_PIN,default:-1"`
	MISOPin             int    `env:"SDCARD_MISO_PIN,default:-1"`
	CSPin               int    `env:"SDCARD_CS_PIN,default:-1"`
	Mode1Bit            bool   `env:"SDCARD_MODE_1BIT,default:false"`
	PowerCtrlPin        int    `env:"SDCARD_POWER_CTRL_PIN,default:-1"`
	CardDetectPin       int    `env:"SDCARD_CARD_DETECT_PIN,default:-1"`
	MaxFreqKHz          int    `env:"SDCARD_MAX_FREQ_KHZ,default:20000"`
	MountPoint          string `env:"SDCARD_MOUNT_POINT,default:/sdcard"`
	AutoMount           bool   `env:"SDCARD_AUTO_MOUNT,default:true"`
	FormatIfMountFailed bool   `env:"SDCARD_FORMAT_IF_MOUNT_FAILED,default:false"`
	UpdateInterval      string `env:"SDCARD_UPDATE_INTERVAL,default:60s"`
	UnitOfMeasurement   string `env:"SDCARD_UNIT_OF_MEASUREMENT,default:B"`
	FileSizeSensors     string `env:"SDCARD_FILE_SIZE_SENSORS"`
}

// FromEnv loads the configuration from SDCARD_* variables. prefix is
// prepended to every variable name.
func FromEnv(prefix string) (Config, error) {
	var e envConfig
	if err := envconfig.Load(&e, envconfig.LoadOptions{Prefix: prefix}); err != nil {
		return Config{}, &errcode.E{C: errcode.InvalidParams, Op: "config", Msg: "env", Err: err}
	}
	if e.MaxFreqKHz < 0 {
		return Config{}, &errcode.E{C: errcode.InvalidParams, Op: "config", Msg: "max_freq_khz negative"}
	}
	cfg := Config{
		ID:                  e.ID,
		Bus:                 e.Bus,
		ClkPin:              e.ClkPin,
		CmdPin:              e.CmdPin,
		Data0Pin:            e.Data0Pin,
		Data1Pin:            e.Data1Pin,
		Data2Pin:            e.Data2Pin,
		Data3Pin:            e.Data3Pin,
		MOSIPin:             e.MOSIPin,
		MISOPin:             e.MISOPin,
		CSPin:               e.CSPin,
		Mode1Bit:            e.Mode1Bit,
		PowerCtrlPin:        e.PowerCtrlPin,
		CardDetectPin:       e.CardDetectPin,
		MaxFreqKHz:          uint32(e.MaxFreqKHz),
		MountPoint:          e.MountPoint,
		AutoMount:           e.AutoMount,
		FormatIfMountFailed: e.FormatIfMountFailed,
		UpdateInterval:      e.UpdateInterval,
		UnitOfMeasurement:   e.UnitOfMeasurement,
	}
	for _, p := range strings.Split(e.FileSizeSensors, ",") {
		if p = strings.TrimSpace(p); p != "" {
			cfg.FileSizeSensors = append(cfg.FileSizeSensors, p)
		}
	}
	return cfg, nil
}

// BusConfig converts the pin keys into the driver's bus configuration.
func (c Config) BusConfig() (types.BusConfig, error) {
	p := types.UnsetPins()
	p.Clk = c.ClkPin
	p.PowerCtrl = c.PowerCtrlPin
	p.CardDetect = c.CardDetectPin

	var mode types.BusMode
	switch strings.ToLower(c.Bus) {
	case BusSPI:
		mode = types.BusSPI
		p.MOSI, p.MISO, p.CS = c.MOSIPin, c.MISOPin, c.CSPin
	case BusSDMMC, "":
		mode = types.BusSDMMC4Bit
		p.Cmd = c.CmdPin
		p.Data = [4]int{c.Data0Pin, c.Data1Pin, c.Data2Pin, c.Data3Pin}
		if c.Mode1Bit {
			mode = types.BusSDMMC1Bit
			p.Data[1], p.Data[2], p.Data[3] = types.PinUnset, types.PinUnset, types.PinUnset
		}
	default:
		return types.BusConfig{}, c.invalid("bus", fmt.Errorf("unknown bus %q", c.Bus))
	}
	return types.BusConfig{Mode: mode, Pins: p, MaxFreqKHz: c.MaxFreqKHz}, nil
}

// Interval is the parsed update_interval.
func (c Config) Interval() (time.Duration, error) {
	d, err := timex.ParseInterval(c.UpdateInterval)
	if err != nil {
		return 0, c.invalid("update_interval", err)
	}
	if d <= 0 {
		return 0, c.invalid("update_interval", errors.New("must be positive"))
	}
	return d, nil
}

func (c Config) Unit() (types.MemoryUnit, error) {
	u, err := types.ParseMemoryUnit(c.UnitOfMeasurement)
	if err != nil {
		return 0, c.invalid("unit_of_measurement", err)
	}
	return u, nil
}

// Validate checks every key against the board. The error names the
// offending key and carries errcode.InvalidParams.
func (c Config) Validate(b types.Board) error {
	if c.ID == "" || strings.ContainsAny(c.ID, "/+#") {
		return c.invalid("id", fmt.Errorf("%q is not a valid id", c.ID))
	}
	bc, err := c.BusConfig()
	if err != nil {
		return err
	}
	if bc.Mode != types.BusSPI && !b.SDMMC {
		return c.invalid("bus", fmt.Errorf("%s has no SD host controller", b.Name))
	}
	if err := bc.Validate(b); err != nil {
		return c.invalid("pins", err)
	}
	if !strings.HasPrefix(c.MountPoint, "/") || strings.Contains(c.MountPoint, "..") {
		return c.invalid("mount_point", fmt.Errorf("%q must be absolute", c.MountPoint))
	}
	if _, err := c.Interval(); err != nil {
		return err
	}
	if _, err := c.Unit(); err != nil {
		return err
	}
	for _, p := range c.FileSizeSensors {
		if !strings.HasPrefix(p, "/") {
			return c.invalid("file_size_sensors", fmt.Errorf("%q must be absolute", p))
		}
	}
	if fs := c.FileServer; fs != nil {
		if !strings.HasPrefix(fs.RootPath, "/") || strings.Contains(fs.RootPath, "..") {
			return c.invalid("file_server.root_path", fmt.Errorf("%q must be absolute", fs.RootPath))
		}
		if strings.ContainsAny(fs.URLPrefix, "?# ") || strings.Contains(fs.URLPrefix, "..") {
			return c.invalid("file_server.url_prefix", fmt.Errorf("%q is not a url path", fs.URLPrefix))
		}
	}
	return nil
}

func (c Config) invalid(key string, err error) error {
	return &errcode.E{C: errcode.InvalidParams, Op: "config", Msg: key, Err: err}
}
