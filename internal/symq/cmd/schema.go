package cmd

import (
	"fmt"

	"github.com/invopop/jsonschema"
	"github.com/spf13/cobra"

	"symq/internal/api"
	"symq/internal/config"
)

func newSchemaCmd() *cobra.Command {
	var request bool

	cmd := &cobra.Command{
		Use:    "schema",
		Short:  "Generate JSON schema for configuration",
		Long:   "Generate JSON schema for the symq configuration file, or for query requests with --request",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var (
				bts []byte
				err error
			)
			if request {
				bts, err = json.MarshalIndent(new(jsonschema.Reflector).Reflect(&api.Request{}), "", "  ")
			} else {
				bts, err = config.Schema()
			}
			if err != nil {
				return fmt.Errorf("failed to marshal schema: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(bts))
			return err
		},
	}
	cmd.Flags().BoolVar(&request, "request", false, "Print the request envelope schema")
	return cmd
}
