// Command chronicle inspects and serves recorded version history.
package main

import (
	"os"

	"github.com/roach88/chronicle/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
