package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tanq16/grabber/internal/output"
	"github.com/tanq16/grabber/internal/utils"
)

func newBatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "batch [YAML_FILE] [OPTIONS]",
		Short: "Download every link listed in a YAML file",
		Long: `Download every link listed in a YAML file. The file is a list of entries:

  - link: https://example.com/file.iso
    op: downloads/file.iso
  - link: https://example.com/other.zip`,
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			entries, err := utils.ReadDownloadList(args[0])
			if err != nil {
				output.PrintError(err.Error())
				os.Exit(1)
			}
			if len(entries) == 0 {
				output.PrintError(fmt.Sprintf("No links found in %s", args[0]))
				os.Exit(1)
			}
			output.PrintInfo(fmt.Sprintf("Loaded %d links from %s", len(entries), args[0]))
			runDownloads(entries)
		},
	}
}
