package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"certdepot/internal/certs"
	"certdepot/internal/depot"
)

func newInitCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init <path> [name...]",
		Short: "Create a new depot on disk",
		Long: `Create a new depot on disk with a fresh CA key and certificate. The name
defaults to the last component of the path. You probably want to run init as
root so the keys stay safe.`,
		Args: requirePath,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			label := strings.Join(args[1:], " ")
			if label == "" {
				label = filepath.Base(path)
			}
			d, err := depot.Create(path, label, opts.logger(cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "[!] Created depot `%s' in %s\n", d.Label(), d.Path())
			return nil
		},
	}
}

type generateOptions struct {
	certType string
	cn       string
	email    string
	uid      string
}

func (o generateOptions) subject() certs.SubjectAttributes {
	return certs.NewSubjectAttributes(map[certs.Attribute]string{
		certs.CommonName:   o.cn,
		certs.EmailAddress: o.email,
		certs.UserID:       o.uid,
	})
}

func newGenerateCmd(opts *globalOptions) *cobra.Command {
	g := generateOptions{}
	cmd := &cobra.Command{
		Use:   "generate <path>",
		Short: "Issue a certificate from a depot",
		Long: `Create a new key pair and certificate signed by the depot. The private key
and the certificate are written to standard output as PEM.`,
		Args: requirePath,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			certType, err := certs.ParseType(g.certType)
			if err != nil || certType == certs.TypeCA {
				fmt.Fprintf(out, "[!] Unknown certificate type `%s', please specify either server or client with the --type option\n", g.certType)
				return errReported
			}
			d, err := depot.Open(args[0], opts.logger(cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			kp, cert, err := d.Issue(certType, g.subject())
			if err != nil {
				return err
			}
			certPEM, err := cert.PEM()
			if err != nil {
				return err
			}
			if _, err := out.Write(kp.PEM()); err != nil {
				return err
			}
			_, err = out.Write(certPEM)
			return err
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&g.certType, "type", "t", "", "Certificate type (server|client)")
	flags.StringVarP(&g.cn, "cn", "c", "", "Common name of the certificate")
	flags.StringVarP(&g.email, "email", "e", "", "Email address of the certificate")
	flags.StringVarP(&g.uid, "uid", "u", "", "User id of the certificate")
	return cmd
}

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config <path>",
		Short: "Show an Apache configuration example for a depot",
		Args:  requirePath,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), depot.ConfigurationExample(path))
			return nil
		},
	}
}
