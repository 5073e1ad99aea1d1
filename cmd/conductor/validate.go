package main

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rendis/conductor/internal/catalog"
	"github.com/rendis/conductor/internal/validation"
	"github.com/rendis/conductor/pkg/schema"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <path>...",
		Short: "Validate workflow definition documents",
		Long:  "Validate YAML or JSON workflow definitions. Directories are searched recursively.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd.OutOrStdout(), args)
		},
	}
}

func runValidate(out io.Writer, paths []string) error {
	compiler, err := catalog.NewCompiler(validation.ServiceSet{schema.ServiceAnalytics, schema.ServiceAutomation}, nil)
	if err != nil {
		return err
	}

	files, err := definitionFiles(paths)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no definition documents found")
	}

	failed := 0
	for _, file := range files {
		if !validateFile(out, compiler, file) {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d documents invalid", failed, len(files))
	}
	return nil
}

func validateFile(out io.Writer, compiler *catalog.Compiler, file string) bool {
	data, err := os.ReadFile(file)
	if err != nil {
		fmt.Fprintf(out, "FAIL %s\n  %v\n", file, err)
		return false
	}
	doc, err := catalog.Parse(data)
	if err != nil {
		fmt.Fprintf(out, "FAIL %s\n  %v\n", file, err)
		return false
	}

	result := compiler.Validate(doc)
	if !result.Valid() {
		fmt.Fprintf(out, "FAIL %s\n", file)
		for _, issue := range result.Errors {
			fmt.Fprintf(out, "  error   %s\n", issue)
		}
		return false
	}
	fmt.Fprintf(out, "ok   %s (%s, %d steps)\n", file, doc.ID, len(doc.Steps))
	for _, issue := range result.Warnings {
		fmt.Fprintf(out, "  warning %s\n", issue)
	}
	return true
}

func definitionFiles(paths []string) ([]string, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		err = filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && isDefinitionFile(path) {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return files, nil
}

func isDefinitionFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}
