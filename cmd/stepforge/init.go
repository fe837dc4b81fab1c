package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kingrea/stepforge/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the .stepforge directory and default config",
	RunE: func(cmd *cobra.Command, _ []string) error {
		dir, err := projectDir()
		if err != nil {
			return err
		}
		if err := config.InitProjectDir(dir); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "initialized %s\n", filepath.Join(dir, config.StateDir))
		return nil
	},
}
