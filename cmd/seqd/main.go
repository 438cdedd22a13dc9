// Command seqd sequences committed repository events and runs the
// scheduled-reversal job.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/roach88/seqd/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
