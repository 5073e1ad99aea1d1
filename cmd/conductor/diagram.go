package main

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/conductor/internal/catalog"
	"github.com/rendis/conductor/internal/diagram"
)

func newDiagramCmd() *cobra.Command {
	var format, output string
	cmd := &cobra.Command{
		Use:   "diagram <definition>",
		Short: "Render a workflow definition as a diagram",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}
			return runDiagram(cmd, out, args[0], format)
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", diagram.FormatMermaid, "mermaid, ascii, svg or png")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to a file instead of stdout")
	return cmd
}

func runDiagram(cmd *cobra.Command, out io.Writer, path, format string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	compiler, err := catalog.NewCompiler(nil, nil)
	if err != nil {
		return err
	}
	def, err := compiler.CompileBytes(data)
	if err != nil {
		return err
	}
	rendered, _, err := diagram.Render(cmd.Context(), diagram.Build(def, nil), format)
	if err != nil {
		return err
	}
	_, err = out.Write(rendered)
	return err
}
