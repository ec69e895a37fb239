// Package importstudy contains the command that loads a YAML study document into the datastore and,
// optionally, into binary artifacts.
package importstudy

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/veupathdb/edasubset/cmd/util"
	"github.com/veupathdb/edasubset/pkg/binaryfiles"
	"github.com/veupathdb/edasubset/pkg/logger"
	"github.com/veupathdb/edasubset/pkg/storage"
	"github.com/veupathdb/edasubset/pkg/storage/fixture"
	"github.com/veupathdb/edasubset/pkg/storage/sqlcommon"
)

const (
	datastoreEngineFlag   = "datastore-engine"
	datastoreURIFlag      = "datastore-uri"
	datastoreUsernameFlag = "datastore-username"
	datastorePasswordFlag = "datastore-password"
	appDBSchemaFlag       = "app-db-schema"
	userStudySchemaFlag   = "user-study-schema"
	binaryFilesDirFlag    = "binary-files-dir"
	replaceFlag           = "replace"
	skipDatabaseFlag      = "skip-database"
	logFormatFlag         = "log-format"
	logLevelFlag          = "log-level"
)

func NewImportCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <study.yaml>",
		Short: "Import a study document",
		Long: `Import a YAML study document: its entity tree, variables, collections and records.

The study is written to the datastore and, when a binary files directory is given, to binary artifacts
under that directory.`,
		RunE: runImport,
		Args: cobra.ExactArgs(1),
	}

	flags := cmd.Flags()

	flags.String(datastoreEngineFlag, "", "the datastore engine the study is written to")
	flags.String(datastoreURIFlag, "", "the connection uri of the datastore")
	flags.String(datastoreUsernameFlag, "", "(optional) overwrite the username in the connection string")
	flags.String(datastorePasswordFlag, "", "(optional) overwrite the password in the connection string")
	flags.String(appDBSchemaFlag, "", "the schema of the tables of curated studies")
	flags.String(userStudySchemaFlag, "", "the schema of the tables of user submitted studies")
	flags.String(binaryFilesDirFlag, "", "write binary artifacts of the study under this directory")
	flags.Bool(replaceFlag, false, "delete the study from the datastore before importing it")
	flags.Bool(skipDatabaseFlag, false, "only write binary artifacts")
	flags.String(logFormatFlag, "text", "the log format to output logs in")
	flags.String(logLevelFlag, "info", "the log level to use")

	// NOTE: if you add a new flag here, update the function below, too

	cmd.PreRun = bindRunFlagsFunc(flags)

	return cmd
}

// bindRunFlagsFunc binds the cobra cmd flags to the equivalent config value being managed
// by viper.
func bindRunFlagsFunc(flags *pflag.FlagSet) func(*cobra.Command, []string) {
	return func(command *cobra.Command, args []string) {
		util.MustBindPFlag(datastoreEngineFlag, flags.Lookup(datastoreEngineFlag))
		util.MustBindEnv(datastoreEngineFlag, "EDASUBSET_DATASTORE_ENGINE")

		util.MustBindPFlag(datastoreURIFlag, flags.Lookup(datastoreURIFlag))
		util.MustBindEnv(datastoreURIFlag, "EDASUBSET_DATASTORE_URI")

		util.MustBindPFlag(datastoreUsernameFlag, flags.Lookup(datastoreUsernameFlag))
		util.MustBindEnv(datastoreUsernameFlag, "EDASUBSET_DATASTORE_USERNAME")

		util.MustBindPFlag(datastorePasswordFlag, flags.Lookup(datastorePasswordFlag))
		util.MustBindEnv(datastorePasswordFlag, "EDASUBSET_DATASTORE_PASSWORD")

		util.MustBindPFlag(appDBSchemaFlag, flags.Lookup(appDBSchemaFlag))
		util.MustBindEnv(appDBSchemaFlag, "EDASUBSET_SUBSETTING_APPDBSCHEMA", "APP_DB_SCHEMA")

		util.MustBindPFlag(userStudySchemaFlag, flags.Lookup(userStudySchemaFlag))
		util.MustBindEnv(userStudySchemaFlag, "EDASUBSET_SUBSETTING_USERSTUDYSCHEMA", "USER_STUDY_SCHEMA")

		util.MustBindPFlag(binaryFilesDirFlag, flags.Lookup(binaryFilesDirFlag))

		util.MustBindPFlag(replaceFlag, flags.Lookup(replaceFlag))

		util.MustBindPFlag(skipDatabaseFlag, flags.Lookup(skipDatabaseFlag))

		util.MustBindPFlag(logFormatFlag, flags.Lookup(logFormatFlag))
		util.MustBindEnv(logFormatFlag, "EDASUBSET_LOG_FORMAT")

		util.MustBindPFlag(logLevelFlag, flags.Lookup(logLevelFlag))
		util.MustBindEnv(logLevelFlag, "EDASUBSET_LOG_LEVEL")
	}
}

func runImport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	log, err := logger.NewLogger(viper.GetString(logFormatFlag), viper.GetString(logLevelFlag))
	if err != nil {
		return err
	}

	doc, err := fixture.ReadFile(args[0])
	if err != nil {
		return err
	}
	s, err := doc.Study()
	if err != nil {
		return err
	}

	binaryDir := viper.GetString(binaryFilesDirFlag)
	skipDatabase := viper.GetBool(skipDatabaseFlag)
	if skipDatabase && binaryDir == "" {
		return fmt.Errorf("--%s requires --%s", skipDatabaseFlag, binaryFilesDirFlag)
	}

	if !skipDatabase {
		ds, err := util.NewDatastore(viper.GetString(datastoreEngineFlag), viper.GetString(datastoreURIFlag), sqlcommon.NewConfig(
			sqlcommon.WithUsername(viper.GetString(datastoreUsernameFlag)),
			sqlcommon.WithPassword(viper.GetString(datastorePasswordFlag)),
			sqlcommon.WithAppSchema(viper.GetString(appDBSchemaFlag)),
			sqlcommon.WithUserStudySchema(viper.GetString(userStudySchemaFlag)),
			sqlcommon.WithLogger(log),
		))
		if err != nil {
			return err
		}
		defer ds.Close()

		if viper.GetBool(replaceFlag) {
			if err := ds.DeleteStudy(ctx, s.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("failed to delete study '%s': %w", s.ID, err)
			}
		}

		if err := ds.WriteStudy(ctx, s, doc.Records); err != nil {
			return fmt.Errorf("failed to import study '%s': %w", s.ID, err)
		}
	}

	if binaryDir != "" {
		w := binaryfiles.NewWriter(binaryfiles.NewLayout(binaryDir), binaryfiles.WithWriterLogger(log))
		if err := w.WriteStudy(ctx, s, doc.Records); err != nil {
			return fmt.Errorf("failed to write binary files of study '%s': %w", s.ID, err)
		}
	}

	log.Info("import done", zap.String("study_id", s.ID), zap.Bool("binary_files", binaryDir != ""))
	return nil
}
