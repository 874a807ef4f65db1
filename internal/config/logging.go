package config

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/raold/second-brain-sub001/internal/logging"
)

// LoggingConfig is the logging section of the configuration file.
type LoggingConfig struct {
	Level  string `yaml:"level"          json:"level"`
	Format string `yaml:"format"         json:"format"`
	File   string `yaml:"file,omitempty" json:"file,omitempty"`
	Caller bool   `yaml:"caller"         json:"caller"`
}

// Validate checks the level and format names.
func (lc LoggingConfig) Validate() error {
	if _, err := zerolog.ParseLevel(strings.ToLower(lc.Level)); err != nil || lc.Level == "" {
		return fmt.Errorf("%w: %q", ErrInvalidLogLevel, lc.Level)
	}
	switch lc.Format {
	case logging.FormatConsole, logging.FormatJSON:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidLogFormat, lc.Format)
}

// ToLoggingConfig converts the section to logging.Config.
//
// The conversion applies these rules:
//   - Level, Format and Caller are copied directly
//   - If File is set, Output becomes "file" and File is passed through
//   - If File is empty, Output defaults to "stderr"
func (lc LoggingConfig) ToLoggingConfig() logging.Config {
	output := logging.OutputStderr
	if lc.File != "" {
		output = logging.OutputFile
	}

	return logging.Config{
		Level:  lc.Level,
		Format: lc.Format,
		Output: output,
		File:   lc.File,
		Caller: lc.Caller,
	}
}
