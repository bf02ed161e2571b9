package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/supporttools/SiteVault/pkg/remap"
)

var (
	remapRegex          bool
	remapSkipViolations bool
	remapScope          string
	remapRequester      string
)

// remapCmd rewrites site text across tenant databases
var remapCmd = &cobra.Command{
	Use:   "remap <from> <to>",
	Short: "Rewrite occurrences of a text across tenant databases",
	Long: `Rewrite every occurrence of <from> with <to> in the text columns of the
selected databases. Typical use is fixing absolute links after a hostname
change. Databases are processed one at a time; a failure stops the run but
leaves earlier databases rewritten, and re-running after a fix is safe.

Examples:
  # Fix links after moving the site to a new hostname
  sitevault remap old.example.com new.example.com

  # Regex rewrite across every configured tenant
  sitevault remap 'https?://old\.example\.com' 'https://new.example.com' --regex --scope all

  # Tolerate replacements that would overflow a column
  sitevault remap /short/path /a/considerably/longer/path --skip-max-length-violations`,
	Args: cobra.ExactArgs(2),
	RunE: runRemap,
}

func init() {
	rootCmd.AddCommand(remapCmd)

	remapCmd.Flags().BoolVar(&remapRegex, "regex", false,
		"treat <from> as a store-native regular expression")
	remapCmd.Flags().BoolVar(&remapSkipViolations, "skip-max-length-violations", false,
		"skip rows whose replacement would overflow a column instead of aborting")
	remapCmd.Flags().StringVar(&remapScope, "scope", "current",
		"databases to rewrite: current or all")
	remapCmd.Flags().StringVar(&remapRequester, "requester-id", "cli",
		"identifier recorded in the operation history")
}

func runRemap(cmd *cobra.Command, args []string) error {
	if err := initRuntime(); err != nil {
		return err
	}
	if err := rejectDuringReadonly(); err != nil {
		return err
	}

	engine, err := remap.NewEngine()
	if err != nil {
		return err
	}

	result, err := engine.Run(cmd.Context(), remapRequester, remap.Options{
		From:                    args[0],
		To:                      args[1],
		Regex:                   remapRegex,
		SkipMaxLengthViolations: remapSkipViolations,
		Scope:                   remap.Scope(remapScope),
	})
	if result != nil {
		for _, outcome := range result.Outcomes {
			line := fmt.Sprintf("  %s: %d row(s) changed", outcome.Tenant, outcome.RowsChanged)
			if outcome.RowsSkipped > 0 {
				_, _ = warnColor.Printf("%s, %d skipped\n", line, outcome.RowsSkipped)
				continue
			}
			fmt.Println(line)
		}
	}
	if err != nil {
		return err
	}

	_, _ = successColor.Printf("Remap completed in %s; %d row(s) rewritten across %d database(s)\n",
		result.Duration.Round(time.Millisecond), result.TotalRowsChanged, len(result.Outcomes))
	return nil
}
