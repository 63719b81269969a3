package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vango-dev/livepush/internal/errors"
)

func explainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "explain [code]",
		Short: "Describe livepush error codes",
		Long: `Describe an error code, or list every code when none is given.

Examples:
  livepush explain
  livepush explain L303`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				listCodes(cmd.OutOrStdout())
				return nil
			}
			return explainCode(cmd.OutOrStdout(), args[0])
		},
	}
}

func listCodes(w io.Writer) {
	for _, code := range errors.GetAllCodes() {
		t, _ := errors.GetTemplate(code)
		fmt.Fprintf(w, "  %s  %-9s  %s\n", code, t.Category, t.Message)
	}
}

func explainCode(w io.Writer, code string) error {
	code = strings.ToUpper(strings.TrimSpace(code))
	t, ok := errors.GetTemplate(code)
	if !ok {
		return fmt.Errorf("unknown error code %q", code)
	}
	fmt.Fprintf(w, "%s (%s): %s\n", code, t.Category, t.Message)
	if t.Detail != "" {
		fmt.Fprintf(w, "\n  %s\n", t.Detail)
	}
	if t.Suggestion != "" {
		fmt.Fprintf(w, "\n  Hint: %s\n", t.Suggestion)
	}
	return nil
}
