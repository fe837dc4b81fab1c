package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kingrea/stepforge/internal/logbook"
)

var logsCmd = &cobra.Command{
	Use:   "logs <session>",
	Short: "Show the tail of a session journal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := openProject(nil)
		if err != nil {
			return err
		}
		defer logger.Close()
		n, _ := cmd.Flags().GetInt("lines")
		book, err := logbook.New(filepath.Join(cfg.SessionsDir(), args[0]+".log"))
		if err != nil {
			return err
		}
		lines, total := book.Tail(n)
		if total == 0 {
			return fmt.Errorf("no journal for session %s", args[0])
		}
		out := cmd.OutOrStdout()
		for _, line := range lines {
			fmt.Fprintln(out, line)
		}
		if total > len(lines) {
			fmt.Fprintf(cmd.ErrOrStderr(), "(%d of %d entries)\n", len(lines), total)
		}
		return nil
	},
}

func init() {
	logsCmd.Flags().IntP("lines", "n", 20, "number of entries to show")
}
