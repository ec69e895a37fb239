package main

import (
	"os"

	"github.com/veupathdb/edasubset/cmd"
	"github.com/veupathdb/edasubset/cmd/importstudy"
	"github.com/veupathdb/edasubset/cmd/migrate"
	"github.com/veupathdb/edasubset/cmd/run"
)

func main() {
	rootCmd := cmd.NewRootCommand()

	rootCmd.AddCommand(run.NewRunCommand())
	rootCmd.AddCommand(migrate.NewMigrateCommand())
	rootCmd.AddCommand(importstudy.NewImportCommand())
	rootCmd.AddCommand(cmd.NewVersionCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
