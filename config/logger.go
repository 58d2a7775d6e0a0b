package config

import (
	"io"
	"log"
	"os"

	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

const (
	LogFlags = log.Ldate | log.Ltime | log.LUTC
)

func (c *Config) setLogger() error {
	accessOut := io.Writer(os.Stdout)
	errorOut := io.Writer(os.Stderr)

	if c.LogFile != "" {
		rotated := &lumberjack.Logger{
			Filename:   c.LogFile,
			MaxSize:    c.LogFileMaxSizeMB,
			MaxBackups: c.LogFileMaxBackups,
		}
		accessOut = rotated
		errorOut = rotated
	}

	c.AccessLogger = log.New(accessOut, "", LogFlags)
	c.ErrorLogger = log.New(errorOut, "", LogFlags)

	if c.AccessLogLevel == "none" {
		c.AccessLogger.SetOutput(io.Discard)
	}

	return nil
}
