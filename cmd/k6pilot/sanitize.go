package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/spf13/cobra"

	"github.com/shadmanakbar/k6-auto-pr-performance-tests/internal/script"
	"github.com/shadmanakbar/k6-auto-pr-performance-tests/pkg/types"
)

func newSanitizeCmd(app *cli) *cobra.Command {
	var (
		target   string
		showDiff bool
	)

	cmd := &cobra.Command{
		Use:   "sanitize [file]",
		Short: "Sanitize model output into a k6 script",
		Long: `Read raw model output from a file (or stdin when no file or "-" is given),
strip markdown fences, check the required k6 constructs and the host allowlist,
and print the sanitized script.

Exits 1 and prints the rejection reason when the script is not acceptable.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readInput(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			policy, err := script.NewPolicy(target)
			if err != nil {
				return err
			}

			cand := script.New(policy).Sanitize(raw, types.OriginGenerated)
			text, err := cand.Executable()
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s %v\n", red("rejected:"), cand.Reason)
				return &exitError{code: 1}
			}

			if showDiff {
				renderDiff(cmd.OutOrStdout(), raw, text)
				return nil
			}
			_, err = io.WriteString(cmd.OutOrStdout(), text)
			return err
		},
	}
	cmd.Flags().StringVar(&target, "target", envOr("SANDBOX_TARGET", script.DefaultTarget), "Only host:port the script may call")
	cmd.Flags().BoolVar(&showDiff, "diff", false, "Show what sanitization changed instead of the script")
	return cmd
}

func readInput(stdin io.Reader, args []string) (string, error) {
	var (
		data []byte
		err  error
	)
	if len(args) == 0 || args[0] == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(args[0])
	}
	if err != nil {
		return "", fmt.Errorf("reading input: %w", err)
	}
	return string(data), nil
}

// renderDiff prints a line diff from before to after.
func renderDiff(w io.Writer, before, after string) {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffMain(a, b, false)
	diffs = dmp.DiffCharsToLines(diffs, lines)

	for _, d := range diffs {
		for _, line := range strings.SplitAfter(d.Text, "\n") {
			if line == "" {
				continue
			}
			line = strings.TrimSuffix(line, "\n")
			switch d.Type {
			case diffmatchpatch.DiffInsert:
				fmt.Fprintln(w, green("+ "+line))
			case diffmatchpatch.DiffDelete:
				fmt.Fprintln(w, red("- "+line))
			default:
				fmt.Fprintln(w, "  "+line)
			}
		}
	}
}
