package cli

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/linnemanlabs/winnow/internal/triage"
)

func (a *app) platformsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "platforms",
		Short: "List catalog platforms (partition keys)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := a.context(cmd)
			defer cancel()

			platforms, err := a.client.Platforms(ctx)
			if err != nil {
				return fmt.Errorf("list platforms: %w", err)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tSLUG")
			for _, p := range platforms {
				fmt.Fprintf(tw, "%d\t%s\t%s\n", p.ID, p.Name, p.Slug)
			}
			return tw.Flush()
		},
	}
}

func (a *app) exportCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export <partition>",
		Short: "Export a partition's kept and rejected lists",
		Long: `Export a partition's kept (favorites) and rejected (deleted) lists as JSON.

Examples:
  winnowctl export 4
  winnowctl export 4 -o n64.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.context(cmd)
			defer cancel()

			doc, err := a.client.Export(ctx, args[0])
			if err != nil {
				return fmt.Errorf("export partition %s: %w", args[0], err)
			}
			data, err := json.MarshalIndent(doc, "", "  ")
			if err != nil {
				return fmt.Errorf("encode export: %w", err)
			}
			data = append(data, '\n')

			if output == "" || output == "-" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			if err := os.WriteFile(output, data, 0o644); err != nil { //nolint:gosec // G306: export files are meant to be shared
				return fmt.Errorf("write %s: %w", output, err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Exported %d kept and %d rejected items to %s\n", len(doc.Favorites), len(doc.Deleted), output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to file instead of stdout")
	return cmd
}

func (a *app) importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <partition> <file|->",
		Short: "Replace a partition's lists from an export document",
		Long: `Replace a partition's kept and rejected lists from a JSON document with
favorites/deleted (or kept/rejected) arrays. A malformed document changes nothing.

Examples:
  winnowctl import 4 n64.json
  cat n64.json | winnowctl import 4 -`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readInput(cmd, args[1])
			if err != nil {
				return err
			}
			ctx, cancel := a.context(cmd)
			defer cancel()

			p, warning, err := a.client.Import(ctx, args[0], body)
			if err != nil {
				return fmt.Errorf("import partition %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported partition %s: %d kept, %d rejected\n", args[0], len(p.Kept), len(p.Rejected))
			printWarning(cmd, warning)
			return nil
		},
	}
}

func (a *app) reconcileCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "reconcile <partition> <file|->",
		Short: "Match an external game list against the catalog",
		Long: `Match each entry of an external list (XML gamelist, YAML or JSON) against the
catalog and add confident matches to the partition's kept list as collected.

The format comes from --format, else the file extension, else the server sniffs it.

Examples:
  winnowctl reconcile 4 gamelist.xml
  winnowctl reconcile 4 owned.yaml
  cat list.json | winnowctl reconcile 4 - --format json`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := resolveFormat(format, args[1])
			if err != nil {
				return err
			}
			body, err := readInput(cmd, args[1])
			if err != nil {
				return err
			}
			ctx, cancel := a.context(cmd)
			defer cancel()

			report, warning, err := a.client.Reconcile(ctx, args[0], f, body)
			if err != nil {
				return fmt.Errorf("reconcile partition %s: %w", args[0], err)
			}
			a.printReport(cmd.OutOrStdout(), report)
			printWarning(cmd, warning)
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "", "input format: xml, yaml or json")
	return cmd
}

func (a *app) clearCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "clear <partition>",
		Short: "Delete a partition's lists and resume offset",
		Long: `Delete a partition's kept and rejected lists and reset its catalog offset.
Requires confirmation unless --force is used.

Examples:
  winnowctl clear 4
  winnowctl clear 4 --force`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			if !force {
				fmt.Fprintf(cmd.OutOrStdout(), "About to clear partition %s.\nContinue? [y/N]: ", key)
				response, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && !errors.Is(err, io.EOF) {
					return fmt.Errorf("read input: %w", err)
				}
				response = strings.TrimSpace(strings.ToLower(response))
				if response != "y" && response != "yes" {
					fmt.Fprintln(cmd.OutOrStdout(), "Cancelled.")
					return nil
				}
			}

			ctx, cancel := a.context(cmd)
			defer cancel()
			if err := a.client.DeleteOne(ctx, key); err != nil {
				return fmt.Errorf("clear partition %s: %w", key, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cleared partition %s\n", key)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "skip confirmation")
	return cmd
}

func (a *app) printReport(w io.Writer, r triage.ReconcileReport) {
	fmt.Fprintf(w, "Reconciled partition %s: %d entries, %d matched, %d unmatched, %d failed, %d added\n",
		r.Partition, r.Total, r.Matched, r.Unmatched, r.Failed, r.Added)
	for _, rec := range r.Records {
		switch {
		case rec.Matched():
			if a.verbose {
				fmt.Fprintf(w, "  matched   %-40s -> %s (%d, score %.2f)\n", rec.External.Name, rec.Match.Name, rec.Match.ID, rec.Score)
			}
		default:
			reason := rec.Reason
			if reason == "" {
				reason = "no confident match"
			}
			fmt.Fprintf(w, "  unmatched %-40s (%s, best score %.2f)\n", rec.External.Name, reason, rec.Score)
		}
	}
}

func printWarning(cmd *cobra.Command, warning string) {
	if warning != "" {
		fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %s\n", warning)
	}
}

// resolveFormat picks the reconcile format from the flag or the file name.
// An empty result leaves detection to the server.
func resolveFormat(flagValue, path string) (triage.ImportFormat, error) {
	if flagValue != "" {
		return triage.ParseFormat(flagValue)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xml":
		return triage.FormatXML, nil
	case ".yaml", ".yml":
		return triage.FormatYAML, nil
	case ".json":
		return triage.FormatJSON, nil
	}
	return "", nil
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		b, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return b, nil
	}
	b, err := os.ReadFile(path) //nolint:gosec // G304: operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return b, nil
}
