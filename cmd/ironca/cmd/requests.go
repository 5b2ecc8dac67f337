package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironca/artifact"
	"github.com/jmcleod/ironca/issuance"
	"github.com/jmcleod/ironca/ledger"
	"github.com/jmcleod/ironca/profile"
)

var (
	reqSubject  profile.Subject
	reqCertType string
	reqKeyType  string
	reqSAN      string
	reqCSRFile  string
)

var requestCmd = &cobra.Command{
	Use:   "request",
	Short: "Submit a certificate request",
	Long: `Submits a request with a freshly generated key pair, or imports an existing
signing request with --csr. The request stays pending until approved.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(e *engine) error {
			certType := profile.CertType(reqCertType)

			var (
				id  string
				err error
			)
			if reqCSRFile != "" {
				csr, rerr := os.ReadFile(reqCSRFile)
				if rerr != nil {
					return fmt.Errorf("reading %s: %w", reqCSRFile, rerr)
				}
				id, err = e.manager.SubmitImported(cmd.Context(), string(csr), certType)
			} else {
				subject := reqSubject
				if subject.OrganizationalUnit == "" {
					subject.OrganizationalUnit = e.cfg.Issuance.DefaultOrgUnit
				}
				keyType := reqKeyType
				if keyType == "" {
					keyType = e.cfg.Issuance.DefaultKeyType
				}
				id, err = e.manager.SubmitGenerated(cmd.Context(), issuance.GenerateRequest{
					Subject:  subject,
					CertType: certType,
					KeyType:  profile.KeyType(keyType),
					AltNames: reqSAN,
				})
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		})
	},
}

var approveCmd = &cobra.Command{
	Use:   "approve <request-id>",
	Short: "Approve a pending request and issue its certificate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(e *engine) error {
			serial, err := e.manager.Approve(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), serial)
			return nil
		})
	},
}

var rejectCmd = &cobra.Command{
	Use:   "reject <request-id>",
	Short: "Reject a pending request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(e *engine) error {
			return e.manager.Reject(cmd.Context(), args[0])
		})
	},
}

var (
	listStatus string
	listIssued bool
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List requests or issued certificates",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(e *engine) error {
			if listIssued {
				certs, err := e.manager.ListIssued(cmd.Context())
				if err != nil {
					return err
				}
				printIssued(cmd.OutOrStdout(), certs)
				return nil
			}
			reqs, err := e.manager.ListByStatus(cmd.Context(), ledger.Status(listStatus))
			if err != nil {
				return err
			}
			printRequests(cmd.OutOrStdout(), reqs)
			return nil
		})
	},
}

func printRequests(w io.Writer, reqs []*ledger.CertificateRequest) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tCOMMON NAME\tKEY\tSTATUS\tSUBMITTED\tSERIAL")
	for _, r := range reqs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.CertType, r.Subject.CommonName, r.KeyType, r.Status,
			r.SubmittedAt.Format(time.RFC3339), r.Serial)
	}
	tw.Flush()
}

func printIssued(w io.Writer, certs []ledger.IssuedSummary) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SERIAL\tTYPE\tCOMMON NAME\tVALID FROM\tVALID TO\tKEY")
	for _, c := range certs {
		key := "no"
		if c.HasKey {
			key = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			c.Serial, c.CertType, c.CommonName,
			c.ValidFrom.Format(time.DateOnly), c.ValidTo.Format(time.DateOnly), key)
	}
	tw.Flush()
}

var (
	downloadKind   string
	downloadSerial string
	downloadOut    string
)

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Write an issued certificate artifact to a file",
	Long: `Writes one artifact to --out, or into the current directory under its
default name. Use --out - for stdout. Kinds: cert, chain, bundle, key,
root-ca, intermediate-ca, ca-chain.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := artifact.ParseKind(downloadKind)
		if err != nil {
			return err
		}
		return withEngine(func(e *engine) error {
			art, err := e.assembler.Get(cmd.Context(), kind, downloadSerial)
			if err != nil {
				return err
			}
			if downloadOut == "-" {
				_, err := cmd.OutOrStdout().Write(art.Content)
				return err
			}

			path := downloadOut
			if path == "" {
				path = art.Filename
			}
			mode := os.FileMode(0o644)
			if art.PrivateKey {
				mode = 0o600
			}
			if err := os.WriteFile(path, art.Content, mode); err != nil {
				return fmt.Errorf("writing %s: %w", path, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%d bytes)\n", filepath.Clean(path), art.Size())
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(requestCmd, approveCmd, rejectCmd, listCmd, downloadCmd)

	f := requestCmd.Flags()
	f.StringVar(&reqSubject.CommonName, "cn", "", "Subject common name")
	f.StringVar(&reqSubject.Organization, "org", "", "Subject organization")
	f.StringVar(&reqSubject.OrganizationalUnit, "ou", "", "Subject organizational unit (defaults to issuance.default_org_unit)")
	f.StringVar(&reqSubject.Country, "country", "", "Subject two-letter country code")
	f.StringVar(&reqSubject.State, "state", "", "Subject state or province")
	f.StringVar(&reqSubject.Locality, "locality", "", "Subject locality")
	f.StringVar(&reqSubject.Email, "email", "", "Subject email address")
	f.StringVar(&reqCertType, "type", string(profile.CertTypeServer), "Certificate type: server, client or code_signing")
	f.StringVar(&reqKeyType, "key-type", "", "Key type: rsa or ecdsa (defaults to issuance.default_key_type)")
	f.StringVar(&reqSAN, "san", "", "Comma-separated DNS names and IP addresses")
	f.StringVar(&reqCSRFile, "csr", "", "Import this PEM signing request instead of generating a key")

	listCmd.Flags().StringVar(&listStatus, "status", string(ledger.StatusPending), "Request status to list; empty for all")
	listCmd.Flags().BoolVar(&listIssued, "issued", false, "List issued certificates instead of requests")

	downloadCmd.Flags().StringVar(&downloadKind, "type", string(artifact.KindCert), "Artifact kind")
	downloadCmd.Flags().StringVar(&downloadSerial, "serial", "", "Certificate serial")
	downloadCmd.Flags().StringVarP(&downloadOut, "out", "o", "", "Output file, or - for stdout")
}
