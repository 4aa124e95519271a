package signal

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// InterruptContext returns context which is canceled on SIGINT or SIGTERM.
// Second signal terminates the process immediately.
func InterruptContext(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)
	quit := make(chan os.Signal, 2)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-quit:
		case <-parent.Done():
			signal.Stop(quit)
			return
		}
		cancel()
		<-quit
		os.Exit(1)
	}()
	return ctx
}
