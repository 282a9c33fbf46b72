package main

import (
	"io"
	"time"

	"github.com/spf13/cobra"
)

var (
	withCPD        bool
	withClientInfo bool
	withAppInfo    bool
)

type headersOutput struct {
	GeneratedAt time.Time         `json:"generated_at" yaml:"generated_at"`
	Headers     map[string]string `json:"headers" yaml:"headers"`
}

var anisetteCmd = &cobra.Command{
	Use:   "anisette",
	Short: "Print the device-identity headers sent with each request",
	Long: `Fetch device-identity headers from the configured anisette server and
print them. Provisions a device identity first when none is stored.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		d, err := a.identity.Current(cmd.Context())
		if err != nil {
			return err
		}

		headers, err := d.Generate(withCPD, withClientInfo, withAppInfo)
		if err != nil {
			return err
		}

		out := headersOutput{GeneratedAt: d.GeneratedAt().UTC(), Headers: headers}

		return render(cmd.OutOrStdout(), outputFormat, out, func(w io.Writer) error {
			return writeHeaders(w, headers)
		})
	},
}

func init() {
	anisetteCmd.Flags().BoolVar(&withCPD, "cpd", false, "Include client-provided-data headers")
	anisetteCmd.Flags().BoolVar(&withClientInfo, "client-info", false, "Rewrite X-Mme-Client-Info to the Xcode identity")
	anisetteCmd.Flags().BoolVar(&withAppInfo, "app-info", false, "Include the Xcode app-info headers")
	rootCmd.AddCommand(anisetteCmd)
}
