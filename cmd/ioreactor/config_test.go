//go:build linux || darwin

package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/joeycumines/go-ioreactor/textenc"
	"github.com/joeycumines/logiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), `ioreactor.toml`)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	for _, tc := range [...]struct {
		Name    string
		Content string
		Want    Config
		Err     string
	}{
		{
			Name: `empty`,
			Want: defaultConfig(),
		},
		{
			Name: `full`,
			Content: `log_level = "debug"
workers = 3
queue_size = 7

[serve]
address = "0.0.0.0:9000"
backlog = 64
timeout = "1m30s"
accept_rate = 10
encoding = "raw"
`,
			Want: Config{
				LogLevel:  `debug`,
				Workers:   3,
				QueueSize: 7,
				Serve: ServeConfig{
					Address:    `0.0.0.0:9000`,
					Backlog:    64,
					Timeout:    `1m30s`,
					AcceptRate: 10,
					Encoding:   `raw`,
				},
			},
		},
		{
			Name: `partial keeps defaults`,
			Content: `[serve]
backlog = 8
`,
			Want: func() Config {
				cfg := defaultConfig()
				cfg.Serve.Backlog = 8
				return cfg
			}(),
		},
		{
			Name:    `unknown key`,
			Content: `colour = "blue"`,
			Err:     `unknown keys: colour`,
		},
		{
			Name:    `unknown nested key`,
			Content: "[serve]\nport = 1\n",
			Err:     `unknown keys: serve.port`,
		},
		{
			Name:    `bad level`,
			Content: `log_level = "loud"`,
			Err:     `unknown log level: "loud"`,
		},
		{
			Name:    `bad timeout`,
			Content: "[serve]\ntimeout = \"soon\"\n",
			Err:     `serve.timeout`,
		},
		{
			Name:    `negative timeout`,
			Content: "[serve]\ntimeout = \"-1s\"\n",
			Err:     `serve.timeout must not be negative`,
		},
		{
			Name:    `bad encoding`,
			Content: "[serve]\nencoding = \"ebcdic\"\n",
			Err:     `unknown encoding`,
		},
		{
			Name:    `negative workers`,
			Content: `workers = -1`,
			Err:     `workers must not be negative`,
		},
		{
			Name:    `syntax`,
			Content: `workers = `,
			Err:     `config `,
		},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			path := ``
			if tc.Content != `` {
				path = writeConfig(t, tc.Content)
			}
			cfg, err := loadConfig(path)
			if tc.Err != `` {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.Err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.Want, cfg)
		})
	}
}

func TestLoadConfig_missingFile(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), `nope.toml`))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestServeConfig_derived(t *testing.T) {
	cfg := ServeConfig{Timeout: `2s`, AcceptRate: 5}
	d, err := cfg.timeout()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, d)
	assert.Equal(t, map[time.Duration]int{time.Minute: 5}, cfg.acceptRates())

	cfg = ServeConfig{}
	d, err = cfg.timeout()
	require.NoError(t, err)
	assert.Zero(t, d)
	assert.Nil(t, cfg.acceptRates())
}

func TestParseLevel(t *testing.T) {
	for _, tc := range [...]struct {
		In   string
		Want logiface.Level
	}{
		{`disabled`, logiface.LevelDisabled},
		{`err`, logiface.LevelError},
		{`WARNING`, logiface.LevelWarning},
		{`info`, logiface.LevelInformational},
		{`debug`, logiface.LevelDebug},
		{`trace`, logiface.LevelTrace},
	} {
		t.Run(tc.In, func(t *testing.T) {
			level, err := parseLevel(tc.In)
			require.NoError(t, err)
			assert.Equal(t, tc.Want, level)
		})
	}
	_, err := parseLevel(`error`)
	assert.Error(t, err)
}

func TestParseMode(t *testing.T) {
	for _, tc := range [...]struct {
		In   string
		Want uint32
		Err  bool
	}{
		{In: `644`, Want: 0o644},
		{In: `0755`, Want: 0o755},
		{In: `1777`, Want: 0o1777},
		{In: `9`, Err: true},
		{In: `77777`, Err: true},
		{In: ``, Err: true},
	} {
		t.Run(tc.In, func(t *testing.T) {
			mode, err := parseMode(tc.In)
			if tc.Err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.Want, mode)
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()
	assert.NoError(t, cfg.validate())
	assert.Equal(t, textenc.UTF8.String(), cfg.Serve.Encoding)
}
