// Package config loads scout.ini, the optional file supplying CLI
// flag defaults (SPEC_FULL §2). Flags passed on the command line
// always override values loaded here.
package config

import (
	"os"

	"gopkg.in/ini.v1"
)

// File mirrors the sections of scout.ini. Zero values mean "not set,
// fall back to the flag default".
type File struct {
	Common struct {
		LogLevel string `ini:"log_level"`
		Workers  int    `ini:"workers"`
		Timeout  int    `ini:"timeout_secs"`
	} `ini:"common"`

	Sweep struct {
		Mode    string `ini:"mode"`
		Subnets string `ini:"subnets"`
	} `ini:"sweep"`

	Speed struct {
		SpeedWorkers int    `ini:"speed_workers"`
		Rounds       string `ini:"rounds"`
		Timeout      int    `ini:"speed_timeout_secs"`
	} `ini:"speed"`

	RateLimit struct {
		Capacity   int `ini:"capacity"`
		WindowSecs int `ini:"window_secs"`
	} `ini:"ratelimit"`
}

// Load reads fileName, returning an empty File (no error) if the file
// does not exist -- an absent scout.ini is the common case, not a
// failure.
func Load(fileName string) (*File, error) {
	cfg := &File{}
	if fileName == "" {
		return cfg, nil
	}
	if _, err := os.Stat(fileName); os.IsNotExist(err) {
		return cfg, nil
	}

	iniFile, err := ini.Load(fileName)
	if err != nil {
		return nil, err
	}
	if err := iniFile.MapTo(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
