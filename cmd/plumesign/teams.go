package main

import (
	"io"

	"github.com/spf13/cobra"
)

var teamsCmd = &cobra.Command{
	Use:   "teams",
	Short: "List the developer teams of the account",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		p := newPrompter(cmd.InOrStdin(), cmd.ErrOrStderr())

		session, err := a.login(ctx, p, nil)
		if err != nil {
			return err
		}
		defer session.Close()

		teams, err := session.ListTeams(ctx)
		if err != nil {
			return err
		}

		return render(cmd.OutOrStdout(), outputFormat, teams, func(w io.Writer) error {
			return writeTeams(w, teams)
		})
	},
}

func init() {
	teamsCmd.Flags().StringVarP(&username, "username", "u", "", "Apple ID to sign in with")
	rootCmd.AddCommand(teamsCmd)
}
