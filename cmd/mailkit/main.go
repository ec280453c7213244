// Package main is the entry point for the mailkit command.
package main

import (
	"os"

	"github.com/spf13/cobra"

	_ "github.com/shineum/mailkit/pkg/capture"
	_ "github.com/shineum/mailkit/pkg/provider/graph"
	_ "github.com/shineum/mailkit/pkg/provider/logger"
	_ "github.com/shineum/mailkit/pkg/provider/postmark"
	_ "github.com/shineum/mailkit/pkg/provider/resend"
	_ "github.com/shineum/mailkit/pkg/provider/ses"
	_ "github.com/shineum/mailkit/pkg/provider/smtp"
)

func main() {
	root := newRootCmd(&app{})
	root.SetOut(os.Stdout)
	root.SetErr(os.Stderr)
	cobra.CheckErr(root.Execute())
}
