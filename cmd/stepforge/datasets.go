package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/kingrea/stepforge/internal/dataset"
)

var datasetOpts struct {
	name        string
	description string
	kind        string
	user        string
	target      string
	features    []string
}

var datasetsCmd = &cobra.Command{
	Use:     "datasets",
	Aliases: []string{"ds"},
	Short:   "Manage datasets available to generated programs",
}

var datasetsAddCmd = &cobra.Command{
	Use:   "add <file>",
	Short: "Upload a dataset file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDatasets(func(store *dataset.Store) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			name := datasetOpts.name
			if name == "" {
				name = strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
			}
			rec, err := store.Create(dataset.Record{
				Name:        name,
				Description: datasetOpts.description,
				Type:        dataset.Type(datasetOpts.kind),
				FileName:    filepath.Base(args[0]),
				UserID:      datasetOpts.user,
				Metadata: dataset.Metadata{
					TargetVariable: datasetOpts.target,
					Features:       datasetOpts.features,
				},
			}, f)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), rec.ID)
			return nil
		})
	},
}

var datasetsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List datasets, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withDatasets(func(store *dataset.Store) error {
			records, err := store.List(datasetOpts.user)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no datasets")
				return nil
			}
			t := table.New().
				Border(lipgloss.NormalBorder()).
				Headers("ID", "NAME", "TYPE", "ROWS", "SIZE", "UPLOADED")
			for _, rec := range records {
				t.Row(rec.ID, rec.Name, string(rec.Type), strconv.Itoa(rec.Metadata.RowCount),
					strconv.FormatInt(rec.FileSize, 10), rec.UploadedAt.Local().Format("2006-01-02 15:04"))
			}
			fmt.Fprintln(cmd.OutOrStdout(), t.Render())
			return nil
		})
	},
}

var datasetsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print a dataset record as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDatasets(func(store *dataset.Store) error {
			rec, err := store.Get(args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rec)
		})
	},
}

var datasetsPreviewCmd = &cobra.Command{
	Use:   "preview <id>",
	Short: "Show the header and first rows of a delimited dataset",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDatasets(func(store *dataset.Store) error {
			preview, err := store.Preview(args[0])
			if err != nil {
				return err
			}
			t := table.New().Border(lipgloss.NormalBorder()).Headers(preview.Headers...)
			for _, row := range preview.Data {
				cells := make([]string, len(preview.Headers))
				for i, h := range preview.Headers {
					cells[i] = row[h]
				}
				t.Row(cells...)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, t.Render())
			fmt.Fprintf(out, "%d rows total\n", preview.TotalRows)
			return nil
		})
	},
}

var datasetsRemoveCmd = &cobra.Command{
	Use:     "rm <id>",
	Aliases: []string{"delete"},
	Short:   "Delete a dataset and its file",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDatasets(func(store *dataset.Store) error {
			if err := store.Delete(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		})
	},
}

func init() {
	add := datasetsAddCmd.Flags()
	add.StringVar(&datasetOpts.name, "name", "", "display name (default is the file name)")
	add.StringVar(&datasetOpts.description, "description", "", "free-form description")
	add.StringVar(&datasetOpts.kind, "type", "training", "training, testing or validation")
	add.StringVar(&datasetOpts.target, "target", "", "target variable column")
	add.StringSliceVar(&datasetOpts.features, "features", nil, "feature columns (inferred from the header when empty)")
	add.StringVar(&datasetOpts.user, "user", "", "owner id")
	datasetsListCmd.Flags().StringVar(&datasetOpts.user, "user", "", "only list datasets owned by this id")

	datasetsCmd.AddCommand(datasetsAddCmd, datasetsListCmd, datasetsShowCmd, datasetsPreviewCmd, datasetsRemoveCmd)
}

func withDatasets(fn func(*dataset.Store) error) error {
	cfg, logger, err := openProject(nil)
	if err != nil {
		return err
	}
	defer logger.Close()
	store, err := openDatasets(cfg)
	if err != nil {
		return err
	}
	return fn(store)
}

func printJSON(out io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}
