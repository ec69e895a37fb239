package cmd

import (
	"log"

	"github.com/spf13/cobra"

	"github.com/veupathdb/edasubset/internal/build"
)

// NewVersionCommand returns the command to get the edasubset version
func NewVersionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Return the edasubset version",
		Long:  "Return the edasubset version.",
		RunE:  version,
		Args:  cobra.NoArgs,
	}

	return cmd
}

// print out the built version
func version(_ *cobra.Command, _ []string) error {
	log.Printf("edasubset version %s date %s commit id %s ", build.Version, build.Date, build.Commit)
	return nil
}
