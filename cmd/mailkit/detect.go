package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/shineum/mailkit/pkg/mailer"
)

func newDetectCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "detect",
		Short: "Print the backend that would be used",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()

			if kind := a.cfg.Provider; kind != "" {
				fmt.Fprintf(out, "%s (set by %s)\n", kind, mailer.EnvProvider)
				return nil
			}

			kind, err := a.reg().Detect(a.cfg)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s (auto-detected)\n", kind)
			return nil
		},
	}
}

func newProvidersCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List compiled-in backends in detection order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg := a.reg()
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "KIND\tREQUIRES\tSTATUS")

			for _, kind := range reg.Kinds() {
				b, _ := reg.Lookup(kind)

				requires := "-"
				if len(b.Requires) > 0 {
					requires = strings.Join(b.Requires, ", ")
				}

				status := "ready"
				for _, key := range b.Requires {
					if v, _ := a.cfg.Lookup(key); strings.TrimSpace(v) == "" {
						status = "missing credentials"
						break
					}
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", kind, requires, status)
			}
			return tw.Flush()
		},
	}
}
