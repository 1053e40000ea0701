package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/conceptfab/dirmeta/pkg/metadata"
	"github.com/spf13/cobra"
)

var setCmd = &cobra.Command{
	Use:   "set <dir> <path>=<json> [<path>=<json>...]",
	Short: "Apply changes to the metadata document of a directory",
	Long: `Apply one or more changes to the metadata document of a directory and
write it back.

Paths are top-level fields (pairedEntries, unpairedPrimary, unpairedSecondary,
hasSpecialFolders) or single entries (pairedEntries.<id>). Values are JSON;
a value that is not valid JSON is taken as a plain string. Setting an entry
to null removes it.

Examples:
  dirmeta set ./photos hasSpecialFolders=true
  dirmeta set ./photos 'unpairedPrimary=["a.zip","b.zip"]'
  dirmeta set ./photos 'pairedEntries.a={"primary":"a.zip","secondary":"a.jpg"}'
  dirmeta set ./photos pairedEntries.a=null`,
	Args:        cobra.MinimumNArgs(2),
	Annotations: reservedStdout,
	RunE:        runSet,
}

var setPrint bool

func init() {
	setCmd.Flags().BoolVar(&setPrint, "print", false, "print the resulting document")
}

func runSet(cmd *cobra.Command, args []string) error {
	changes, err := parseAssignments(args[1:])
	if err != nil {
		return err
	}

	reg, err := openRegistry(nil)
	if err != nil {
		return err
	}
	defer func() { _ = closeRegistry(reg) }()

	lease, err := reg.Acquire(args[0])
	if err != nil {
		return err
	}
	defer lease.Release()

	s := lease.Store()
	if err := s.AddChanges(changes); err != nil {
		return err
	}

	ctx := commandContext(cmd)
	if err := s.FlushNow(ctx); err != nil {
		return fmt.Errorf("failed to write %s: %w", s.Path(), err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d change(s) written to %s\n", len(changes), s.Path())

	if !setPrint {
		return nil
	}
	doc, err := s.Load(ctx)
	if err != nil {
		return err
	}
	return printDocument(doc)
}

// parseAssignments turns path=value arguments into a change set. A later
// assignment to the same path replaces an earlier one.
func parseAssignments(args []string) (metadata.ChangeSet, error) {
	changes := make(metadata.ChangeSet, len(args))
	for _, arg := range args {
		path, raw, ok := strings.Cut(arg, "=")
		if !ok || path == "" {
			return nil, fmt.Errorf("invalid assignment %q: expected <path>=<value>", arg)
		}

		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		changes[path] = value
	}
	return changes, nil
}
