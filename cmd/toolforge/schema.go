package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/matiasleandrokruk/toolforge/internal/app"
	"github.com/matiasleandrokruk/toolforge/internal/domain/apperror"
	"github.com/matiasleandrokruk/toolforge/internal/domain/schema"
)

func newSchemaCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Manage tool schemas",
		Long:  `Import schema documents from YAML or JSON files, list stored schemas and publish them.`,
	}
	cmd.AddCommand(
		newSchemaImportCmd(opts),
		newSchemaListCmd(opts),
		newSchemaPublishCmd(opts),
	)
	return cmd
}

func newSchemaImportCmd(opts *options) *cobra.Command {
	var publish bool
	cmd := &cobra.Command{
		Use:   "import <file>...",
		Short: "Create or replace schemas from YAML/JSON files",
		Long: `Each file holds one schema document or a list of them. A schema whose
toolId already exists is replaced and keeps its publication state.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("reading %s: %w", path, err)
				}
				defs, err := schema.DecodeDefinitions(data, schema.FormatFromContentType(filepath.Ext(path)))
				if err != nil {
					return fmt.Errorf("%s: %s", path, describeError(err))
				}
				for _, def := range defs {
					ts, created, err := importSchema(cmd, a, def)
					if err != nil {
						return fmt.Errorf("%s: %s: %s", path, def.ToolID, describeError(err))
					}
					verb := "updated"
					if created {
						verb = "created"
					}
					if publish && !ts.IsPublished {
						if ts, err = a.Schemas.Publish(cmd.Context(), ts.ID); err != nil {
							return fmt.Errorf("%s: publish %s: %s", path, def.ToolID, describeError(err))
						}
						verb += ", published"
					}
					fmt.Fprintf(out, "%s (v%d) %s\n", ts.ToolID, ts.Version, verb)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&publish, "publish", false, "publish each imported schema")
	return cmd
}

func importSchema(cmd *cobra.Command, a *app.App, def *schema.Definition) (*schema.ToolSchema, bool, error) {
	ctx := cmd.Context()
	existing, err := a.Schemas.FindByToolID(ctx, def.ToolID)
	if errors.Is(err, apperror.ErrNotFound) {
		ts, err := a.Schemas.Create(ctx, def, "")
		return ts, true, err
	}
	if err != nil {
		return nil, false, err
	}

	raw, err := json.Marshal(def)
	if err != nil {
		return nil, false, fmt.Errorf("encode schema: %w", err)
	}
	var patch schema.Patch
	if err := json.Unmarshal(raw, &patch); err != nil {
		return nil, false, fmt.Errorf("encode schema: %w", err)
	}
	ts, err := a.Schemas.Update(ctx, existing.ID, patch, "")
	return ts, false, err
}

func newSchemaListCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all stored schemas",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			all, err := a.Schemas.FindAll(cmd.Context())
			if err != nil {
				return err
			}
			if len(all) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No schemas stored. Use 'toolforge schema import' to add one.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TOOL ID\tNAME\tVERSION\tPUBLISHED\tID")
			for _, ts := range all {
				fmt.Fprintf(w, "%s\t%s\t%d\t%t\t%s\n", ts.ToolID, ts.Name, ts.Version, ts.IsPublished, ts.ID)
			}
			return w.Flush()
		},
	}
}

func newSchemaPublishCmd(opts *options) *cobra.Command {
	var unpublish bool
	cmd := &cobra.Command{
		Use:   "publish <toolId>",
		Short: "Publish (or unpublish) a schema by tool id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			ts, err := a.Schemas.FindByToolID(ctx, args[0])
			if err != nil {
				return fmt.Errorf("%s: %s", args[0], describeError(err))
			}
			if unpublish {
				ts, err = a.Schemas.Unpublish(ctx, ts.ID)
			} else {
				ts, err = a.Schemas.Publish(ctx, ts.ID)
			}
			if err != nil {
				return fmt.Errorf("%s: %s", args[0], describeError(err))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s published=%t\n", ts.ToolID, ts.IsPublished)
			return nil
		},
	}
	cmd.Flags().BoolVar(&unpublish, "unpublish", false, "take the schema out of service instead")
	return cmd
}

// describeError appends validation details, one per line, for the terminal.
func describeError(err error) string {
	var appErr *apperror.Error
	if !errors.As(err, &appErr) || len(appErr.Fields) == 0 {
		return err.Error()
	}
	msg := appErr.Message
	for _, line := range apperror.FieldErrors(appErr.Fields).Flatten() {
		msg += "\n  " + line
	}
	return msg
}
