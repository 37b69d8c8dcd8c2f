package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v2"

	"github.com/swaggy-yolo-united/sampler/pkg/fatfs"
	"github.com/swaggy-yolo-united/sampler/pkg/sdcard"
	"github.com/swaggy-yolo-united/sampler/pkg/spibus"
)

const (
	envVarPrefix = "SAMPLER"
	appName      = "sampler"
)

type Config struct {
	Image        string        `envconfig:"IMAGE"         yaml:"image"`
	Volume       uint8         `envconfig:"VOLUME"        yaml:"volume"`
	CardType     string        `envconfig:"CARD_TYPE"     yaml:"cardType"`
	CardClock    uint32        `envconfig:"CARD_CLOCK"    yaml:"cardClock"`
	CardMode     uint8         `envconfig:"CARD_MODE"     yaml:"cardMode"`
	InitClock    uint32        `envconfig:"INIT_CLOCK"    yaml:"initClock"`
	ControlClock uint32        `envconfig:"CONTROL_CLOCK" yaml:"controlClock"`
	ControlMode  uint8         `envconfig:"CONTROL_MODE"  yaml:"controlMode"`
	ControlPoll  time.Duration `envconfig:"CONTROL_POLL"  yaml:"controlPoll"`
	ReadBuffer   int           `envconfig:"READ_BUFFER"   yaml:"readBuffer"`
	FTPAddr      string        `envconfig:"FTP_ADDR"      yaml:"ftpAddr"`
	WebDAVAddr   string        `envconfig:"WEBDAV_ADDR"   yaml:"webdavAddr"`
	LogLevel     string        `envconfig:"LOG_LEVEL"     yaml:"logLevel"`
	LogFormat    string        `envconfig:"LOG_FORMAT"    yaml:"logFormat"`
}

func DefaultConfig() Config {
	return Config{
		Image:        "card.img",
		CardType:     "sdhc",
		CardClock:    12_000_000,
		CardMode:     uint8(spibus.Mode0),
		InitClock:    sdcard.DefaultInitFrequency,
		ControlClock: 1_000_000,
		ControlMode:  uint8(spibus.Mode3),
		ControlPoll:  100 * time.Millisecond,
		ReadBuffer:   512,
		FTPAddr:      "127.0.0.1:7021",
		WebDAVAddr:   "127.0.0.1:7080",
		LogLevel:     "info",
		LogFormat:    "text",
	}
}

// LoadConfig starts from DefaultConfig, applies the YAML file at path if it
// is set and then the SAMPLER_* environment variables.
func LoadConfig(fsys afero.Fs, path string) (*Config, error) {
	c := DefaultConfig()
	if path != "" {
		data, err := afero.ReadFile(fsys, path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.UnmarshalStrict(data, &c); err != nil {
			return nil, fmt.Errorf("unmarshaling config file: %w", err)
		}
	}

	if err := envconfig.Process(envVarPrefix, &c); err != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", err)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) Validate() error {
	if y, e := func() (string, string) {
		if c.Image == "" {
			return "image", "IMAGE"
		}
		if c.Volume >= fatfs.MaxVolumes {
			return "volume", "VOLUME"
		}
		if _, err := c.cardType(); err != nil {
			return "cardType", "CARD_TYPE"
		}
		if c.CardClock == 0 || c.CardMode > uint8(spibus.Mode3) {
			return "cardClock/cardMode", "CARD_CLOCK/CARD_MODE"
		}
		if c.InitClock == 0 {
			return "initClock", "INIT_CLOCK"
		}
		if c.ControlClock == 0 || c.ControlMode > uint8(spibus.Mode3) {
			return "controlClock/controlMode", "CONTROL_CLOCK/CONTROL_MODE"
		}
		if c.ControlPoll < 0 {
			return "controlPoll", "CONTROL_POLL"
		}
		if c.ReadBuffer <= 0 {
			return "readBuffer", "READ_BUFFER"
		}
		if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
			return "logLevel", "LOG_LEVEL"
		}
		if c.LogFormat != "text" && c.LogFormat != "json" {
			return "logFormat", "LOG_FORMAT"
		}
		return "", ""
	}(); y != "" {
		return fmt.Errorf(
			"invalid configuration: %s / %s_%s",
			y,
			envVarPrefix,
			e,
		)
	}
	return nil
}

func (c *Config) cardType() (sdcard.CardType, error) {
	switch strings.ToLower(c.CardType) {
	case "sdhc":
		return sdcard.CardSDHC, nil
	case "sdv2":
		return sdcard.CardSDv2, nil
	case "sdv1":
		return sdcard.CardSDv1, nil
	default:
		return sdcard.CardUnknown, fmt.Errorf("unknown card type %q", c.CardType)
	}
}

func (c *Config) cardConfig() spibus.Config {
	return spibus.Config{Frequency: c.CardClock, Mode: spibus.Mode(c.CardMode)}
}

func (c *Config) controlConfig() spibus.Config {
	return spibus.Config{Frequency: c.ControlClock, Mode: spibus.Mode(c.ControlMode)}
}

// newLogrus builds the process logger. Validate has checked level and
// format.
func newLogrus(c *Config) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	if level, err := logrus.ParseLevel(c.LogLevel); err == nil {
		l.SetLevel(level)
	}
	if c.LogFormat == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	}
	return l
}
