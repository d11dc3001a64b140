// Package logging sets up the process-wide slog handler.
package logging

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
)

const (
	JSON = "json"
	Text = "text"
	Tint = "tint"
)

// Init installs the default slog handler for the given format and
// level. Tint is the readable colored handler for interactive runs;
// json suits server deployments.
func Init(format, levelName string) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(levelName)); err != nil {
		return fmt.Errorf("could not parse log level: %w", err)
	}

	opts := slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch format {
	case JSON:
		handler = slog.NewJSONHandler(os.Stderr, &opts)
	case Text:
		handler = slog.NewTextHandler(os.Stderr, &opts)
	case Tint:
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: level})
	default:
		return fmt.Errorf("unknown log format: %s", format)
	}

	slog.SetDefault(slog.New(handler))
	return nil
}
