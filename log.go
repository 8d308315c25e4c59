package main

import (
	"io"
	"os"
	"time"

	"github.com/charmbracelet/log"
)

// setupLog configures logging: to a file when SAGA_LOGFILE is set,
// discarded otherwise so the TUI stays clean. The --debug flag raises
// the level once flags are parsed.
func setupLog() (func() error, error) {
	if path := os.Getenv("SAGA_LOGFILE"); path != "" {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, err
		}
		log.SetOutput(f)
		log.SetLevel(log.InfoLevel)
		log.SetReportTimestamp(true)
		log.SetTimeFormat(time.Kitchen)
		return f.Close, nil
	}

	log.SetOutput(io.Discard)
	return func() error { return nil }, nil
}
