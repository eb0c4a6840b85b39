package main

import (
	"context"
	"fmt"
	"os"

	"db_migration_starter/starter/command"
)

func main() {
	if err := command.New().Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
