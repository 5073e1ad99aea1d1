package diagram

import (
	"context"

	"github.com/goccy/go-graphviz"

	"github.com/rendis/conductor/pkg/schema"
)

// Output formats accepted by Render.
const (
	FormatMermaid = "mermaid"
	FormatASCII   = "ascii"
	FormatSVG     = "svg"
	FormatPNG     = "png"
)

// Render produces model in format and the matching content type.
func Render(ctx context.Context, model *DiagramModel, format string) ([]byte, string, error) {
	switch format {
	case "", FormatMermaid:
		return []byte(RenderMermaid(model)), "text/plain; charset=utf-8", nil
	case FormatASCII:
		return []byte(RenderASCII(model)), "text/plain; charset=utf-8", nil
	case FormatSVG:
		out, err := RenderImage(ctx, model, graphviz.SVG)
		return out, "image/svg+xml", err
	case FormatPNG:
		out, err := RenderImage(ctx, model, graphviz.PNG)
		return out, "image/png", err
	}
	return nil, "", schema.NewErrorf(schema.ErrCodeValidation, "unknown diagram format %q", format)
}
