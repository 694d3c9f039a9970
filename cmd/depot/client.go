package main

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"certdepot/config"
	"certdepot/internal/client"
)

var defaultAddr = net.JoinHostPort(config.DefaultHost, strconv.Itoa(config.DefaultPort))

func newRequestCmd() *cobra.Command {
	var (
		addr    string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "request <command> [argument]",
		Short: "Send one protocol line to a running server",
		Long: `Send one line to a running server and print its answer, for example:

  depot request generate /UID=12/CN=Bob Owner
  depot request help generate`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(addr, timeout)
			response, err := c.Do(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(response)
			return err
		},
	}
	cmd.Flags().StringVarP(&addr, "addr", "a", defaultAddr, "Address of the server")
	cmd.Flags().DurationVar(&timeout, "timeout", client.DefaultTimeout, "How long to wait for an answer")
	return cmd
}

func newHurtCmd() *cobra.Command {
	var (
		addr    string
		timeout time.Duration
		cfg     client.LoadConfig
	)
	cmd := &cobra.Command{
		Use:   "hurt",
		Short: "Fire concurrent generate requests at a running server",
		Long: `Fire generate requests at a running server and print one character per
attempt: '.' success, '!' bad response, 'X' refused or reset, 'T' timeout.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			c := client.New(addr, timeout)
			start := time.Now()
			result := c.Hurt(cmd.Context(), cfg, out)
			fmt.Fprintln(out)
			fmt.Fprintf(out, "%d/%d requests completed in %s (%d bad, %d refused, %d timed out)\n",
				result.Completed(), cfg.Requests, time.Since(start).Round(time.Millisecond),
				result.Counts[client.OutcomeBadResponse],
				result.Counts[client.OutcomeRefused],
				result.Counts[client.OutcomeTimeout])
			if result.Completed() < cfg.Requests {
				return errReported
			}
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&addr, "addr", "a", defaultAddr, "Address of the server")
	flags.DurationVar(&timeout, "timeout", client.DefaultTimeout, "How long to wait for each answer")
	flags.IntVarP(&cfg.Requests, "requests", "r", 10, "Number of certificates to request")
	flags.IntVarP(&cfg.Concurrency, "concurrency", "c", 2, "Requests in flight at once")
	flags.StringVar(&cfg.DN, "dn", "/UID=recorder-1", "Subject of the requested certificates")
	return cmd
}
