package cmd

import (
	"context"
	"io"

	"github.com/spf13/cobra"

	"github.com/dsbroker/dsbroker/cli"
	"github.com/dsbroker/dsbroker/logger"
)

var cliCmd *cli.CLICommand

// newCLICommand runs the interactive console client against a running
// broker.
func newCLICommand(logdest io.Writer) *cobra.Command {
	cliCmd = cli.NewCLICommand(logger.NewStandardLogger(logdest))
	cobraCmd := &cobra.Command{
		Use:   "cli",
		Short: "Query a running broker from the command line",
		Long:  ``,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cliCmd.Run(context.Background())
		},
	}

	flags := cobraCmd.Flags()
	flags.StringVarP(&cliCmd.Host, "host", "", cliCmd.Host, "hostname of the broker.")
	flags.StringVarP(&cliCmd.Port, "port", "", cliCmd.Port, "port of the broker.")
	flags.StringVar(&cliCmd.BasePath, "base-path", cliCmd.BasePath, "path prefix of the broker's REST endpoint.")
	flags.StringVar(&cliCmd.HistoryPath, "history-path", cliCmd.HistoryPath, "path for history files.")

	return cobraCmd
}
