package cmd

import (
	"github.com/spf13/cobra"
	"github.com/tanq16/grabber/internal/utils"
)

func newGetCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:     "get [URL] [--output OUTPUT_PATH]",
		Aliases: []string{"http"},
		Short:   "Download a file via HTTP/HTTPS",
		Args:    cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			runDownloads([]utils.DownloadEntry{{URL: args[0], OutputPath: output}})
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file path or s3://bucket/key")
	return cmd
}
