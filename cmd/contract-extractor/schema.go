package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/feichai0017/contract-extractor/internal/schema"
)

var schemaOpts struct {
	path       string
	jsonSchema bool
}

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the metadata schema",
	Long: `Print the metadata schema used for extraction, either as the YAML
definition or, with --json-schema, as the JSON Schema results are checked against.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := schemaOpts.path
		if path == "" {
			settings, err := loadSettings()
			if err != nil {
				return err
			}
			path = settings.SchemaPath
		}

		var (
			s   *schema.Schema
			err error
		)
		if path == "" {
			s, err = schema.Default()
		} else {
			s, err = schema.Load(path)
		}
		if err != nil {
			return err
		}

		var out []byte
		if schemaOpts.jsonSchema {
			out, err = json.MarshalIndent(s.JSONSchema(), "", "  ")
			out = append(out, '\n')
		} else {
			out, err = s.YAML()
		}
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

func init() {
	schemaCmd.Flags().StringVar(&schemaOpts.path, "file", "", "schema file to print instead of the configured one")
	schemaCmd.Flags().BoolVar(&schemaOpts.jsonSchema, "json-schema", false, "print the derived JSON Schema")
}
