//go:build !windows

package config

import (
	"os"
	"os/signal"
	"syscall"
)

// registerSignalHandler wires SIGHUP to Reload so operators can force a
// client config reload without touching the file.
func (r *Reloader) registerSignalHandler() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)

	go func() {
		defer signal.Stop(sigCh)
		for {
			select {
			case <-sigCh:
				r.logger.Info("reloading client config on SIGHUP")
				r.Reload()
			case <-r.stopCh:
				return
			}
		}
	}()

	r.logger.Info("config reload signal handler registered", "signal", "SIGHUP")
}
