package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/alexjbarnes/plumesign/internal/developer"
	"gopkg.in/yaml.v3"
)

const (
	formatText = "text"
	formatJSON = "json"
	formatYAML = "yaml"
)

func validateFormat(format string) error {
	switch format {
	case formatText, formatJSON, formatYAML:
		return nil
	}

	return fmt.Errorf("unknown output format %q, want text, json or yaml", format)
}

// render writes v in the requested format. text handles the text format.
func render(w io.Writer, format string, v any, text func(io.Writer) error) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")

		return enc.Encode(v)
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)

		if err := enc.Encode(v); err != nil {
			return err
		}

		return enc.Close()
	default:
		return text(w)
	}
}

func writeTeams(w io.Writer, teams []developer.Team) error {
	if len(teams) == 0 {
		_, err := fmt.Fprintln(w, "No teams.")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tTYPE\tSTATUS")

	for _, t := range teams {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", t.ID, t.Name, t.Type, t.Status)
	}

	return tw.Flush()
}

func writeCertificates(w io.Writer, certs []developer.Certificate) error {
	if len(certs) == 0 {
		_, err := fmt.Fprintln(w, "No certificates.")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SERIAL\tNAME\tSTATUS\tEXPIRES\tMACHINE")

	for _, c := range certs {
		expires := "-"
		if !c.ExpirationDate.IsZero() {
			expires = c.ExpirationDate.UTC().Format(time.DateOnly)
		}

		machine := "-"
		if c.MachineName != nil && *c.MachineName != "" {
			machine = *c.MachineName
		}

		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", c.SerialNumber, c.Name, c.Status, expires, machine)
	}

	return tw.Flush()
}

func writeHeaders(w io.Writer, headers map[string]string) error {
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		if _, err := fmt.Fprintf(w, "%s: %s\n", name, headers[name]); err != nil {
			return err
		}
	}

	return nil
}
