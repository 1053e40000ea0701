package main

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/conceptfab/dirmeta/pkg/metadata"
	"github.com/conceptfab/dirmeta/pkg/metadata/writer"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate <dir> [<dir>...]",
	Short: "Check the metadata documents of directories",
	Long: `Check that the metadata document of each directory is well formed.

Missing documents are reported but are not an error. Invalid documents are
left in place unless --quarantine is given, in which case they are renamed
to <name>.corrupt-<timestamp>.`,
	Args:        cobra.MinimumNArgs(1),
	Annotations: reservedStdout,
	RunE:        runValidate,
}

var validateQuarantine bool

var errInvalidDocuments = errors.New("invalid documents found")

func init() {
	validateCmd.Flags().BoolVar(&validateQuarantine, "quarantine", false, "move invalid documents aside")
}

func runValidate(cmd *cobra.Command, args []string) error {
	wcfg := cfg.WriterConfig()
	wcfg.QuarantineCorrupt = validateQuarantine

	ctx := commandContext(cmd)
	out := cmd.OutOrStdout()
	invalid := 0

	for _, dir := range args {
		path := filepath.Join(dir, cfg.Store.FileName)
		w := writer.New(path, wcfg, metadata.NewDefaultValidator())

		result, err := w.Read(ctx)
		switch {
		case err != nil:
			invalid++
			fmt.Fprintf(out, "ERROR    %s: %v\n", path, err)
		case result.Integrity != nil:
			invalid++
			fmt.Fprintf(out, "INVALID  %s: %v\n", path, result.Integrity)
			if result.QuarantinedTo != "" {
				fmt.Fprintf(out, "         moved to %s\n", result.QuarantinedTo)
			}
		case !result.Fingerprint.Exists:
			fmt.Fprintf(out, "MISSING  %s\n", path)
		default:
			fmt.Fprintf(out, "OK       %s (%d paired, %d unpaired)\n", path,
				len(result.Document.PairedEntries),
				len(result.Document.UnpairedPrimary)+len(result.Document.UnpairedSecondary))
		}
	}

	if invalid > 0 {
		return fmt.Errorf("%w: %d of %d", errInvalidDocuments, invalid, len(args))
	}
	return nil
}
