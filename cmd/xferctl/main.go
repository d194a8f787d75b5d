// Command xferctl serves files over the transfer protocol and reads or
// writes them from a remote endpoint.
//
//	xferctl serve --resource 1=firmware.bin:read --resource 2=upload.bin:write
//	xferctl read  --server 10.0.0.2:9300 1 firmware.bin
//	xferctl write --server 10.0.0.2:9300 2 local.bin
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cobra.CheckErr(newRootCmd().ExecuteContext(ctx))
}
