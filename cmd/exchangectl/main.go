package main

import (
	"os"

	"exchange-service/cmd/exchangectl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
