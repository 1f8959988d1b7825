// Command nodeinfo-crawler discovers and archives NodeInfo documents for a
// list of Fediverse hosts.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "nodeinfo-crawler: %v\n", err)
		os.Exit(1)
	}
}
