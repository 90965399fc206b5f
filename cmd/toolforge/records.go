package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/matiasleandrokruk/toolforge/internal/domain/schema"
)

func newRecordsCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "records",
		Short: "Work with tool records",
	}
	cmd.AddCommand(newRecordsImportCmd(opts))
	return cmd
}

func newRecordsImportCmd(opts *options) *cobra.Command {
	var (
		as       string
		failFast bool
	)
	cmd := &cobra.Command{
		Use:   "import <toolId> <file>",
		Short: "Create records from a JSON or YAML list",
		Long: `Creates one record per list item through the normal validation and
permission checks, as the user given by --as. Each record is audited.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			toolID, path := args[0], args[1]
			items, err := readRecordFile(path)
			if err != nil {
				return err
			}

			a, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			actor, err := actorByEmail(ctx, a, as)
			if err != nil {
				return err
			}

			bar := progressbar.NewOptions(len(items),
				progressbar.OptionSetWriter(cmd.ErrOrStderr()),
				progressbar.OptionSetDescription("Importing "+toolID),
				progressbar.OptionSetWidth(40),
				progressbar.OptionShowCount(),
				progressbar.OptionClearOnFinish(),
			)

			var failed []string
			for i, item := range items {
				if _, err := a.Records.Create(ctx, actor, toolID, item); err != nil {
					line := fmt.Sprintf("item %d: %s", i, describeError(err))
					if failFast {
						_ = bar.Finish()
						return fmt.Errorf("%s", line)
					}
					failed = append(failed, line)
				}
				_ = bar.Add(1)
			}
			_ = bar.Finish()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Imported %d of %d records into %s.\n", len(items)-len(failed), len(items), toolID)
			for _, line := range failed {
				fmt.Fprintln(out, "  "+line)
			}
			if len(failed) > 0 {
				return fmt.Errorf("%d record(s) failed", len(failed))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&as, "as", "", "email of the user the records are created by (required)")
	cmd.Flags().BoolVar(&failFast, "fail-fast", false, "stop at the first invalid record")
	return cmd
}

// readRecordFile decodes a list of record inputs. Files ending in .yaml or
// .yml are read as YAML, everything else as JSON.
func readRecordFile(path string) ([]map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var items []map[string]any
	if schema.FormatFromContentType(filepath.Ext(path)) == schema.FormatYAML {
		err = yaml.Unmarshal(data, &items)
	} else {
		err = json.Unmarshal(data, &items)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: expected a list of records: %w", path, err)
	}
	for i, item := range items {
		if item == nil {
			return nil, fmt.Errorf("%s: item %d is not an object", path, i)
		}
	}
	return items, nil
}
