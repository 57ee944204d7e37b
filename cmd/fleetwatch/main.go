package main

import (
	"context"
	"fmt"
	"os"

	"aegisflux/backend/fleetwatch/internal/cli"
)

var version = "dev"

func main() {
	if err := cli.NewRoot(version).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "fleetwatch:", err)
		os.Exit(1)
	}
}
