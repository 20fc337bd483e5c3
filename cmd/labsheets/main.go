// Package main provides the entry point for the labsheets CLI.
package main

import (
	"github.com/colthorp/labsheets-cli-go/internal/cli"
)

func main() {
	cli.Execute()
}

