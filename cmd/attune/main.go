package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/lazypower/attune/internal/cli"
)

func main() {
	_ = godotenv.Load(".env")

	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
