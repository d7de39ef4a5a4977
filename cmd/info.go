package cmd

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	grabhttp "github.com/tanq16/grabber/internal/downloaders/http"
	"github.com/tanq16/grabber/internal/output"
	"github.com/tanq16/grabber/internal/utils"
)

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info [URL]",
		Short: "Show the remote file name and size without downloading",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			client := utils.NewClient(httpClientConfig())
			info, err := grabhttp.Probe(context.Background(), client, args[0], probeTimeout)
			if err != nil {
				output.PrintError(fmt.Sprintf("Error getting file info: %v", err))
				os.Exit(1)
			}
			name := info.FileName
			if name == "" {
				name = "(not provided)"
			}
			size := "unknown"
			if info.FileSize >= 0 {
				size = fmt.Sprintf("%s (%s bytes)", utils.FormatBytes(info.FileSize), strconv.FormatInt(info.FileSize, 10))
			}
			output.PrintDetail("Name:", name)
			output.PrintDetail("Size:", size)
			if info.FileSize < 0 {
				output.PrintWarning("Server did not report a size; progress will show bytes only")
			}
		},
	}
}
