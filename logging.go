/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

const logDate = `2006-01-02T15:04:05.000-07:00`

func newLogger(cfg *Config) zerolog.Logger {
	return newLoggerTo(cfg, os.Stderr)
}

func newLoggerTo(cfg *Config, out io.Writer) zerolog.Logger {
	level := zerolog.WarnLevel
	if cfg.verbose {
		level = zerolog.InfoLevel
	}

	return zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: logDate, NoColor: true}).
		Level(level).
		With().
		Timestamp().
		Logger()
}
