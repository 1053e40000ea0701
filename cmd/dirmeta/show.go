package main

import (
	"context"
	"fmt"
	"os"

	"github.com/conceptfab/dirmeta/pkg/metadata"
	"github.com/spf13/cobra"
)

var showCmd = &cobra.Command{
	Use:   "show <dir>",
	Short: "Print the metadata document of a directory",
	Long: `Print the metadata document of a directory as JSON.

A directory without a document, or with an invalid one, prints the empty
document.`,
	Args:        cobra.ExactArgs(1),
	Annotations: reservedStdout,
	RunE:        runShow,
}

func runShow(cmd *cobra.Command, args []string) error {
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

	doc, err := lease.Store().Load(commandContext(cmd))
	if err != nil {
		return err
	}
	return printDocument(doc)
}

func printDocument(doc metadata.Document) error {
	data, err := metadata.Encode(doc)
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}
	_, err = os.Stdout.Write(data)
	return err
}

// commandContext returns the command's context, or Background when the
// command runs outside Execute (e.g. in tests).
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
