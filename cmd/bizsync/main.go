// Package main is the bizsync command.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/kimhsiao/bizsync/internal/cli"
	"github.com/kimhsiao/bizsync/internal/logging"
)

func main() {
	err := cli.NewRootCommand().ExecuteContext(context.Background())
	logging.Get().Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
