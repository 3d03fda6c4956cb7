package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/0xbrayo/aw-watcher-input/pkg/watcher/watchercli"
)

// shutdownGrace is how long the loops get to observe the shutdown signal
// before the process is terminated. A device read blocked in the kernel
// cannot be interrupted from a signal handler, so termination is forced
// once the grace period expires.
const shutdownGrace = 500 * time.Millisecond

func main() {
	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		time.Sleep(shutdownGrace)
		os.Exit(0)
	}()

	err := watchercli.Main(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	if err != nil {
		fmt.Println(err.Error())
		os.Exit(1)
	}
}
