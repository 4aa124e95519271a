// Command relay is a line chat server: every line received from one client is
// forwarded to all other connected clients.
//
//	relay <port>
//
// Listens on 127.0.0.1:<port>. Set RELAY_DEBUG=1 for debug logging.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/ianic/relay/aio"
	"github.com/ianic/relay/aio/signal"
	"github.com/ianic/relay/relay"
)

var errUsage = errors.New("usage")

func main() {
	port, err := parseArgs(os.Args)
	if err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprintf(os.Stderr, "Usage: %s <port>\n", filepath.Base(os.Args[0]))
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
	slog.SetDefault(newLogger(os.Stderr, os.Getenv("RELAY_DEBUG") != ""))
	if err := run(signal.InterruptContext(context.Background()), fmt.Sprintf("127.0.0.1:%d", port)); err != nil {
		slog.Error("run", "error", err)
		os.Exit(1)
	}
}

func parseArgs(args []string) (int, error) {
	switch {
	case len(args) < 2:
		return 0, errUsage
	case len(args) > 2:
		return 0, errors.New("invalid number of arguments")
	}
	port, err := strconv.Atoi(args[1])
	if err != nil || port < 0 || port > 65535 {
		return 0, fmt.Errorf("invalid port %q", args[1])
	}
	return port, nil
}

func newLogger(w io.Writer, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func run(ctx context.Context, ipPort string) error {
	loop, err := aio.New(aio.DefaultOptions)
	if err != nil {
		return err
	}
	defer loop.Close()

	fd, port, err := aio.Listen(ipPort)
	if err != nil {
		return err
	}
	defer aio.CloseFd(fd)
	slog.Info("listening", "addr", ipPort, "port", port)

	rl := relay.New(loop, fd, relay.DefaultOptions)
	if err := rl.Run(ctx); err != nil {
		return err
	}
	slog.Info("stopped")
	return nil
}
