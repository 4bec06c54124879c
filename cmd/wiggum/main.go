package main

import (
	"fmt"
	"os"

	"github.com/wiggum-dev/wiggum/internal/cli"
)

func main() {
	err := cli.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(cli.ExitCode(err))
}
