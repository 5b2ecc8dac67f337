package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironca/pki"
)

var (
	authorityDir     string
	authorityOpts    pki.BootstrapOptions
	authorityCountry string
)

var initAuthorityCmd = &cobra.Command{
	Use:   "init-authority",
	Short: "Create a root and intermediate CA for development deployments",
	Long: `Creates a self-signed root CA and an intermediate CA signed by it, both on
ECDSA P-384 keys, and writes the certificates, keys and chain into --dir.
Existing files are never overwritten.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := authorityOpts
		opts.Country = authorityCountry
		if opts.Country != "" && len(opts.Country) != 2 {
			return fmt.Errorf("--country must be a two-letter code, got %q", opts.Country)
		}

		res, err := pki.Bootstrap(opts)
		if err != nil {
			return err
		}
		if err := res.WriteFiles(authorityDir); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Authority written to %s\n\n", authorityDir)
		fmt.Fprintln(out, "Add to your configuration:")
		fmt.Fprintln(out, "authority:")
		fmt.Fprintf(out, "  cert_file: %s\n", filepath.Join(authorityDir, pki.IntermediateCertFile))
		fmt.Fprintf(out, "  key_file: %s\n", filepath.Join(authorityDir, pki.IntermediateKeyFile))
		fmt.Fprintf(out, "  chain_file: %s\n", filepath.Join(authorityDir, pki.ChainFile))
		fmt.Fprintf(out, "  root_file: %s\n", filepath.Join(authorityDir, pki.RootCertFile))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initAuthorityCmd)
	f := initAuthorityCmd.Flags()
	f.StringVar(&authorityDir, "dir", "./authority", "Directory to write the authority files into")
	f.StringVar(&authorityOpts.Organization, "org", "", "Organization of both CA subjects")
	f.StringVar(&authorityCountry, "country", "", "Two-letter country of both CA subjects")
	f.StringVar(&authorityOpts.RootCommonName, "root-cn", "IronCA Root CA", "Root CA common name")
	f.StringVar(&authorityOpts.IntermediateCommonName, "intermediate-cn", "IronCA Issuing CA", "Intermediate CA common name")
	f.IntVar(&authorityOpts.RootValidityYears, "root-years", 10, "Root CA validity in years")
	f.IntVar(&authorityOpts.IntermediateValidityYears, "intermediate-years", 5, "Intermediate CA validity in years")
}
