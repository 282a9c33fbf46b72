package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/alexjbarnes/plumesign/internal/developer"
	"github.com/spf13/cobra"
)

var (
	listAll      bool
	serialNumber string
)

type certificateList struct {
	TeamID       string                  `json:"team_id" yaml:"team_id"`
	Certificates []developer.Certificate `json:"certificates" yaml:"certificates"`
}

type revokeOutput struct {
	TeamID       string `json:"team_id" yaml:"team_id"`
	SerialNumber string `json:"serial_number" yaml:"serial_number"`
	Message      string `json:"message,omitempty" yaml:"message,omitempty"`
}

var certificateCmd = &cobra.Command{
	Use:     "certificate",
	Aliases: []string{"certificates", "cert"},
	Short:   "List or revoke development certificates",
}

var certificateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the development certificates of a team",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		p := newPrompter(cmd.InOrStdin(), cmd.ErrOrStderr())

		session, err := a.login(ctx, p, p.SelectTeam)
		if err != nil {
			return err
		}
		defer session.Close()

		if listAll {
			byTeam, err := session.ListAllCertificates(ctx)
			if err != nil {
				return err
			}

			lists := make([]certificateList, 0, len(byTeam))
			for id, certs := range byTeam {
				lists = append(lists, certificateList{TeamID: id, Certificates: certs})
			}

			sort.Slice(lists, func(i, j int) bool { return lists[i].TeamID < lists[j].TeamID })

			return render(cmd.OutOrStdout(), outputFormat, lists, func(w io.Writer) error {
				for i, l := range lists {
					if i > 0 {
						fmt.Fprintln(w)
					}

					fmt.Fprintf(w, "Team %s\n", l.TeamID)

					if err := writeCertificates(w, l.Certificates); err != nil {
						return err
					}
				}

				return nil
			})
		}

		team, err := session.ResolveTeam(ctx, a.team())
		if err != nil {
			return err
		}

		certs, err := session.ListCertificates(ctx, team)
		if err != nil {
			return err
		}

		out := certificateList{TeamID: team, Certificates: certs}

		return render(cmd.OutOrStdout(), outputFormat, out, func(w io.Writer) error {
			return writeCertificates(w, certs)
		})
	},
}

var certificateRevokeCmd = &cobra.Command{
	Use:   "revoke",
	Short: "Revoke a development certificate by serial number",
	Long: `Revoke a development certificate. The serial number must appear in the
team's current certificate listing; anything else is rejected before a
revocation is sent.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		p := newPrompter(cmd.InOrStdin(), cmd.ErrOrStderr())

		session, err := a.login(ctx, p, p.SelectTeam)
		if err != nil {
			return err
		}
		defer session.Close()

		team, err := session.ResolveTeam(ctx, a.team())
		if err != nil {
			return err
		}

		result, err := session.RevokeCertificate(ctx, team, serialNumber)
		if err != nil {
			return err
		}

		out := revokeOutput{TeamID: team, SerialNumber: serialNumber, Message: result.Message()}

		return render(cmd.OutOrStdout(), outputFormat, out, func(w io.Writer) error {
			msg := out.Message
			if msg == "" {
				msg = "Certificate revoked."
			}

			_, err := fmt.Fprintf(w, "%s (%s): %s\n", out.SerialNumber, out.TeamID, msg)
			return err
		})
	},
}

func init() {
	certificateCmd.PersistentFlags().StringVarP(&username, "username", "u", "", "Apple ID to sign in with")
	certificateCmd.PersistentFlags().StringVarP(&teamID, "team", "t", "", "Team id, defaults to APPLE_TEAM_ID or the only team")

	certificateListCmd.Flags().BoolVar(&listAll, "all", false, "List the certificates of every team")

	certificateRevokeCmd.Flags().StringVarP(&serialNumber, "serial-number", "s", "", "Serial number of the certificate to revoke")
	_ = certificateRevokeCmd.MarkFlagRequired("serial-number")

	certificateCmd.AddCommand(certificateListCmd, certificateRevokeCmd)
	rootCmd.AddCommand(certificateCmd)
}
