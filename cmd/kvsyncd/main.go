// Command kvsyncd is a reference server for the push/pull wire protocol:
// an authoritative peer (durable by default, in-memory with --memstore) for
// exercising a kvsync client against, not a production sync server.
package main

import (
	"fmt"
	"os"

	"github.com/kvsync/kvsync/cmd/kvsyncd/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
