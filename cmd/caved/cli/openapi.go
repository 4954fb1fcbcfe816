package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cavelabs/caved/internal/openapi"
)

func newOpenAPICmd() *cobra.Command {
	var (
		format     string
		outputFile string
	)

	cmd := &cobra.Command{
		Use:   "openapi",
		Short: "Generate the OpenAPI specification",
		Long:  "Generate the OpenAPI 3.1 specification for the key lifecycle API.",
		Example: `  caved openapi                    # JSON to stdout
  caved openapi --format yaml      # YAML to stdout
  caved openapi -o openapi.json    # write to file`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOpenAPI(format, outputFile)
		},
	}

	cmd.Flags().StringVar(&format, "format", "json", "Output format: json or yaml")
	cmd.Flags().StringVarP(&outputFile, "output", "o", "", "Write spec to file instead of stdout")

	return cmd
}

func runOpenAPI(format, outputFile string) error {
	doc, err := openapi.Generate()
	if err != nil {
		return fmt.Errorf("generate spec: %w", err)
	}

	var out []byte
	switch format {
	case "json":
		out, err = json.MarshalIndent(doc, "", "  ")
	case "yaml":
		// kin-openapi documents YAML-encode via their JSON representation.
		var raw []byte
		raw, err = json.Marshal(doc)
		if err == nil {
			var tree interface{}
			if err = json.Unmarshal(raw, &tree); err == nil {
				out, err = yaml.Marshal(tree)
			}
		}
	default:
		return fmt.Errorf("unknown format %q (use json or yaml)", format)
	}
	if err != nil {
		return fmt.Errorf("encode spec: %w", err)
	}

	if outputFile != "" {
		if err := os.WriteFile(outputFile, out, 0644); err != nil {
			return fmt.Errorf("write spec: %w", err)
		}
		fmt.Printf("Wrote %s\n", outputFile)
		return nil
	}

	fmt.Println(string(out))
	return nil
}
