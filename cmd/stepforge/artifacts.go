package main

import (
	"fmt"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/kingrea/stepforge/internal/artifact"
)

var artifactsCmd = &cobra.Command{
	Use:   "artifacts [session]",
	Short: "List generated programs, or print one",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := openProject(nil)
		if err != nil {
			return err
		}
		defer logger.Close()
		store := artifact.NewStore(cfg.ArtifactsDir())
		out := cmd.OutOrStdout()
		if len(args) == 1 {
			rec, err := store.Load(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(out, rec.Code)
			return nil
		}
		metas, err := store.List()
		if err != nil {
			return err
		}
		if len(metas) == 0 {
			fmt.Fprintln(out, "no artifacts")
			return nil
		}
		t := table.New().Border(lipgloss.NormalBorder()).Headers("SESSION", "STEPS", "CREATED", "PROMPT")
		for _, meta := range metas {
			t.Row(meta.SessionID, strconv.Itoa(len(meta.Steps)), meta.CreatedAt.Local().Format("2006-01-02 15:04"), clip(meta.Prompt, 48))
		}
		fmt.Fprintln(out, t.Render())
		return nil
	},
}

func clip(text string, width int) string {
	runes := []rune(oneLine(text))
	if len(runes) <= width {
		return string(runes)
	}
	return string(runes[:width-1]) + "…"
}
