package util

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// SetupCloseHandler creates a channel that receives SIGINT/SIGTERM,
// letting the caller react to graceful termination requests
func SetupCloseHandler() chan os.Signal {
	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	return c
}

// FileExists returns true if the given path exists and is a regular file
func FileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}

	return !info.IsDir()
}

// EnsureDirExists creates the given directory (and any missing parents)
// if it isn't already there
func EnsureDirExists(path string) error {
	if err := os.MkdirAll(path, os.ModePerm); err != nil {
		return fmt.Errorf("ensure directory exists (%s): %w", path, err)
	}

	return nil
}
