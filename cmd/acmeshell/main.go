// The acmeshell command line tool provides a developer-oriented interactive
// console for driving an ACME server by hand: registering accounts,
// provisioning certificates, rotating keys, and revoking certificates.
package main

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/cpu/acmed/acme/client"
	"github.com/cpu/acmed/shell"
)

func main() {
	var (
		directory string
		caCert    string
		contact   string
		httpAddr  string
		tlsAddr   string
		dnsAddr   string
	)

	cmd := &cobra.Command{
		Use:   "acmeshell",
		Short: "Interactive console for driving an ACME server by hand",
		RunE: func(cmd *cobra.Command, args []string) error {
			sh, err := shell.New(context.Background(), shell.Options{
				ClientConfig: client.ClientConfig{
					DirectoryURL: directory,
					CACert:       caCert,
					ContactEmail: contact,
					POSTAsGET:    true,
				},
				HTTPAddr: httpAddr,
				TLSAddr:  tlsAddr,
				DNSAddr:  dnsAddr,
			}, nil)
			if err != nil {
				return err
			}
			sh.Run()
			return nil
		},
	}

	cmd.Flags().StringVar(&directory, "directory", "https://acme-staging-v02.api.letsencrypt.org/directory", "Directory URL for the ACME server")
	cmd.Flags().StringVar(&caCert, "ca", "", "CA certificate(s) for verifying the ACME server's HTTPS")
	cmd.Flags().StringVar(&contact, "contact", "", "Default contact email for the 'register' command")
	cmd.Flags().StringVar(&httpAddr, "http-addr", ":5002", "HTTP-01 challenge responder listen address")
	cmd.Flags().StringVar(&tlsAddr, "tls-addr", ":5001", "TLS-ALPN-01 challenge responder listen address")
	cmd.Flags().StringVar(&dnsAddr, "dns-addr", ":5053", "DNS-01 challenge responder listen address")

	if err := cmd.Execute(); err != nil {
		logrus.WithError(err).Fatal("acmeshell exited with error")
	}
}
