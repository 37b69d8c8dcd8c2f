package main

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swaggy-yolo-united/sampler/pkg/sdcard"
	"github.com/swaggy-yolo-united/sampler/pkg/spibus"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(afero.NewMemMapFs(), "")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), *cfg)
	assert.Equal(t, spibus.Config{Frequency: 12_000_000, Mode: spibus.Mode0}, cfg.cardConfig())
	assert.Equal(t, spibus.Config{Frequency: 1_000_000, Mode: spibus.Mode3}, cfg.controlConfig())
}

func TestLoadConfigFileAndEnvironment(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/etc/sampler.yaml", []byte(`
image: /srv/kits.img
volume: 1
cardType: SDv1
controlPoll: 250ms
readBuffer: 4096
logFormat: json
`), 0o644))
	t.Setenv("SAMPLER_READ_BUFFER", "64")
	t.Setenv("SAMPLER_CARD_CLOCK", "4000000")

	cfg, err := LoadConfig(fsys, "/etc/sampler.yaml")
	require.NoError(t, err)
	assert.Equal(t, "/srv/kits.img", cfg.Image)
	assert.EqualValues(t, 1, cfg.Volume)
	assert.Equal(t, 250*time.Millisecond, cfg.ControlPoll)
	assert.Equal(t, 64, cfg.ReadBuffer)
	assert.EqualValues(t, 4_000_000, cfg.CardClock)
	assert.Equal(t, "json", cfg.LogFormat)

	typ, err := cfg.cardType()
	require.NoError(t, err)
	assert.Equal(t, sdcard.CardSDv1, typ)
}

func TestLoadConfigErrors(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/typo.yaml", []byte("imag: card.img\n"), 0o644))
	require.NoError(t, afero.WriteFile(fsys, "/volume.yaml", []byte("volume: 4\n"), 0o644))

	_, err := LoadConfig(fsys, "/typo.yaml")
	assert.ErrorContains(t, err, "unmarshaling config file")

	_, err = LoadConfig(fsys, "/volume.yaml")
	assert.EqualError(t, err, "invalid configuration: volume / SAMPLER_VOLUME")

	_, err = LoadConfig(fsys, "/missing.yaml")
	assert.ErrorContains(t, err, "reading config file")

	t.Setenv("SAMPLER_VOLUME", "many")
	_, err = LoadConfig(fsys, "")
	assert.ErrorContains(t, err, "parsing environment variables")
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
		field  string
	}{
		{"card type", func(c *Config) { c.CardType = "mmc" }, "cardType"},
		{"card mode", func(c *Config) { c.CardMode = 4 }, "cardClock/cardMode"},
		{"init clock", func(c *Config) { c.InitClock = 0 }, "initClock"},
		{"control clock", func(c *Config) { c.ControlClock = 0 }, "controlClock/controlMode"},
		{"read buffer", func(c *Config) { c.ReadBuffer = 0 }, "readBuffer"},
		{"log level", func(c *Config) { c.LogLevel = "chatty" }, "logLevel"},
		{"log format", func(c *Config) { c.LogFormat = "xml" }, "logFormat"},
		{"image", func(c *Config) { c.Image = "" }, "image"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig()
			tt.modify(&c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid configuration: "+tt.field+" / ")
		})
	}
}
