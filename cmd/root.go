package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dagucloud/exprunner/internal/runnerconfig"
)

var viperInstance *viper.Viper

// rootCmd is the base command when exprunner is called without a
// subcommand.
var rootCmd = &cobra.Command{
	Use:   "exprunner",
	Short: "Content-addressed DAG experiment runner",
	Long:  "exprunner [options] <run|runfile|runtask|list|show|hash|purge|cmd> [args]",
}

// Execute adds all child commands to the root command and runs it. It is
// called once by Main.
func Execute() error {
	return rootCmd.Execute()
}

// Main runs the root command and exits non-zero on failure. It is the
// sole entry point called from package main.
func Main() {
	if err := Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("store", "", "results/scratch store root (default: XDG data dir)")
	rootCmd.PersistentFlags().Duration("poll-interval", 0, "scheduler poll interval (default: 1s)")
	rootCmd.PersistentFlags().Int("max-processes", 0, "maximum concurrent RUNNING nodes (default: 4)")
	rootCmd.PersistentFlags().Bool("json-log", false, "emit structured logs as JSON instead of text")
	rootCmd.PersistentFlags().Bool("docker", false, "run commands through the Docker backend instead of the local one")

	var err error
	viperInstance, err = runnerconfig.New()
	cobra.CheckErr(err)
	cobra.CheckErr(viperInstance.BindPFlag("store_root", rootCmd.PersistentFlags().Lookup("store")))
	cobra.CheckErr(viperInstance.BindPFlag("poll_interval", rootCmd.PersistentFlags().Lookup("poll-interval")))
	cobra.CheckErr(viperInstance.BindPFlag("max_processes", rootCmd.PersistentFlags().Lookup("max-processes")))
	cobra.CheckErr(viperInstance.BindPFlag("json_log", rootCmd.PersistentFlags().Lookup("json-log")))
	cobra.CheckErr(viperInstance.BindPFlag("docker", rootCmd.PersistentFlags().Lookup("docker")))

	rootCmd.AddCommand(runCmd, runfileCmd, runtaskCmd, listCmd, showCmd, hashCmd, purgeCmd, cmdPrintCmd)
}
