//go:build linux || darwin

package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joeycumines/go-ioreactor/textenc"
	"github.com/joeycumines/logiface"
)

type (
	// Config is the file format accepted by --config. Flags override it.
	Config struct {
		LogLevel  string      `toml:"log_level"`
		Serve     ServeConfig `toml:"serve"`
		Workers   int         `toml:"workers"`
		QueueSize int         `toml:"queue_size"`
	}

	ServeConfig struct {
		Address  string `toml:"address"`
		Encoding string `toml:"encoding"`

		// Timeout is an idle timeout, in time.ParseDuration syntax.
		Timeout string `toml:"timeout"`

		// AcceptRate is the number of accepts allowed per remote address,
		// per minute. Zero disables the limit.
		AcceptRate int `toml:"accept_rate"`

		Backlog int `toml:"backlog"`
	}
)

func defaultConfig() Config {
	return Config{
		LogLevel: logiface.LevelInformational.String(),
		Serve: ServeConfig{
			Address:  `127.0.0.1:7000`,
			Encoding: textenc.UTF8.String(),
		},
	}
}

// loadConfig decodes path over the defaults. Unknown keys are an error.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == `` {
		return cfg, nil
	}
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf(`config %s: %w`, path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf(`config %s: unknown keys: %s`, path, strings.Join(keys, `, `))
	}
	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf(`config %s: %w`, path, err)
	}
	return cfg, nil
}

func (x *Config) validate() error {
	if _, err := parseLevel(x.LogLevel); err != nil {
		return err
	}
	if x.Workers < 0 {
		return fmt.Errorf(`workers must not be negative: %d`, x.Workers)
	}
	if _, err := x.Serve.timeout(); err != nil {
		return err
	}
	if _, err := textenc.Parse(x.Serve.Encoding); err != nil {
		return err
	}
	if x.Serve.AcceptRate < 0 {
		return fmt.Errorf(`serve.accept_rate must not be negative: %d`, x.Serve.AcceptRate)
	}
	return nil
}

func (x *ServeConfig) timeout() (time.Duration, error) {
	if x.Timeout == `` {
		return 0, nil
	}
	d, err := time.ParseDuration(x.Timeout)
	if err != nil {
		return 0, fmt.Errorf(`serve.timeout: %w`, err)
	}
	if d < 0 {
		return 0, fmt.Errorf(`serve.timeout must not be negative: %s`, x.Timeout)
	}
	return d, nil
}

func (x *ServeConfig) acceptRates() map[time.Duration]int {
	if x.AcceptRate == 0 {
		return nil
	}
	return map[time.Duration]int{time.Minute: x.AcceptRate}
}

func parseLevel(s string) (logiface.Level, error) {
	for level := logiface.LevelDisabled; level <= logiface.LevelTrace; level++ {
		if strings.EqualFold(s, level.String()) {
			return level, nil
		}
	}
	return 0, fmt.Errorf(`unknown log level: %q`, s)
}
