package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "stepforge",
	Short: "Generate programs from task descriptions, step by step",
	Long: `stepforge decomposes a task into ordered steps, writes code for each step
against the growing program, runs it after every step, repairs failures and
finishes with one refinement pass. Progress streams to the terminal or to
HTTP clients as ordered events.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(*cobra.Command, []string) error {
		return initConfig()
	},
}

func execute() error {
	return rootCmd.Execute()
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "CLI settings file (yaml) for project, log-level and addr")
	flags.String("project", "", "project directory holding .stepforge (default is the working directory)")
	flags.String("log-level", "info", "log level (debug, info, quiet)")
	_ = viper.BindPFlag("project", flags.Lookup("project"))
	_ = viper.BindPFlag("log-level", flags.Lookup("log-level"))

	rootCmd.AddCommand(initCmd, serveCmd, runCmd, datasetsCmd, artifactsCmd, logsCmd)
}

func initConfig() error {
	viper.SetEnvPrefix("STEPFORGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	if cfgFile == "" {
		return nil
	}
	viper.SetConfigFile(cfgFile)
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", cfgFile, err)
	}
	return nil
}

// projectDir resolves --project, falling back to the working directory.
func projectDir() (string, error) {
	if dir := strings.TrimSpace(viper.GetString("project")); dir != "" {
		return dir, nil
	}
	return os.Getwd()
}
