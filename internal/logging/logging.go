// Package logging points logrus at the server's main log file.
package logging

import (
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
)

// MainLogName is the file name used under the log directory.
const MainLogName = "main.log"

// Setup sends logrus output to path (append mode) and to stderr.
// The returned cleanup restores stderr-only output and closes the file.
func Setup(path, level string) (func(), error) {
	lvl := log.InfoLevel
	if level != "" {
		parsed, err := log.ParseLevel(level)
		if err != nil {
			return nil, err
		}
		lvl = parsed
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}

	log.SetOutput(io.MultiWriter(f, os.Stderr))
	log.SetLevel(lvl)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	cleanup := func() {
		log.SetOutput(os.Stderr)
		f.Close()
	}
	return cleanup, nil
}
