package main

import (
	"github.com/shizukutanaka/Banken/cmd/banken/commands"
)

// Minimal entrypoint that delegates to the Cobra CLI defined in cmd/banken/commands.
func main() {
	commands.Execute()
}
