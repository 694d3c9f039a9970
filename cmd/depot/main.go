// Command depot runs a private certificate authority: it creates depots,
// issues certificates from them and serves issuance over a line protocol.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"certdepot/internal/logger"
	"certdepot/internal/version"
)

// errReported is returned by commands that already told the user what went
// wrong; it only sets the exit status.
var errReported = errors.New("reported")

var errNoPath = errors.New("Please specify the path to the depot you want to operate on")

type globalOptions struct {
	logLevel  string
	logFormat string
}

func (o *globalOptions) logger(w io.Writer) logger.Logger {
	return logger.New(w, o.logLevel, o.logFormat)
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:   "depot",
		Short: "Private certificate authority",
		Long: `Depot keeps a certificate authority on disk and issues client and server
certificates from it, either directly or through a pool of worker processes
answering a line protocol.`,
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate("{{.Version}}\n")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", "console", "Log format (console, json)")

	root.AddCommand(
		newInitCmd(opts),
		newGenerateCmd(opts),
		newConfigCmd(),
		newStartCmd(opts),
		newStopCmd(),
		newRequestCmd(),
		newHurtCmd(),
		newServeCmd(opts),
		newWorkerCmd(opts),
	)
	return root
}

func execute(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.Execute(); err != nil {
		if !errors.Is(err, errReported) {
			fmt.Fprintf(stdout, "[!] %v\n", err)
		}
		return 1
	}
	return 0
}

func requirePath(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return errNoPath
	}
	return nil
}

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}
