// Command healthsync manages encrypted patient records on this device and
// replicates them.
//
//	healthsync init
//	healthsync add name="Jane Doe" age=42
//	healthsync sync [adapter]
//	healthsync daemon
package main

import (
	"context"
	"os"

	"github.com/dmitrijs2005/healthsync/internal/cli"
)

func main() {
	if err := cli.Execute(context.Background(), os.Args[1:]); err != nil {
		os.Exit(1)
	}
}
