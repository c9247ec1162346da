package main

import (
	"context"
	"os"
	"sync/atomic"

	"shardfleet/internal/logging"
)

// watchShutdownSignals cancels the run on the first signal. Later signals are
// logged once and otherwise ignored while the fleet drains.
func watchShutdownSignals(logger *logging.Logger, shutdownCancel context.CancelFunc, signalCh <-chan os.Signal) func() {
	if signalCh == nil {
		return func() {}
	}

	done := make(chan struct{})
	var shutdownStarted atomic.Bool
	var loggedRepeat atomic.Bool

	go func() {
		for {
			select {
			case <-done:
				return
			case sig, ok := <-signalCh:
				if !ok {
					return
				}
				fields := map[string]string{}
				if sig != nil {
					fields["signal"] = sig.String()
				}
				if shutdownStarted.CompareAndSwap(false, true) {
					logger.Info("shutdown signal received, stopping fleet", fields)
					shutdownCancel()
					continue
				}
				if loggedRepeat.CompareAndSwap(false, true) {
					logger.Info("fleet shutdown already in progress, ignoring signal", fields)
				}
			}
		}
	}()

	var once atomic.Bool
	return func() {
		if once.CompareAndSwap(false, true) {
			close(done)
		}
	}
}
