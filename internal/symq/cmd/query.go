package cmd

import (
	"bytes"
	stdjson "encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"symq/internal/api"
	"symq/internal/query"
)

func newQueryCmd(a *app) *cobra.Command {
	var (
		kind   string
		pretty bool
	)

	cmd := &cobra.Command{
		Use:   "query [file]",
		Short: "Run one request and print the response",
		Long: `Run one request envelope, read from a file or stdin, and print the JSON
response to stdout. Malformed requests print the error body and exit non-zero.`,
		Example: `
# Symbolicate against a fixture
echo '{"kind":"symbolicate","modules":[{"name":"libfoo","id":"ABCD1234","addresses":["0x100"]}]}' |
  symq query --fixture modules.json
  `,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch kind {
			case "", api.KindSymbolicate, api.KindDisassemble, api.KindSource:
			default:
				return fmt.Errorf("unknown kind %q", kind)
			}

			var path string
			if len(args) == 1 {
				path = args[0]
			}
			body, err := readInput(cmd, a.fs, path)
			if err != nil {
				return err
			}

			p, closeProvider, err := a.provider()
			if err != nil {
				return err
			}
			defer closeProvider()

			d, err := a.dispatcher(p, nil)
			if err != nil {
				return err
			}

			out, herr := d.Handle(cmd.Context(), body, kind)
			if herr != nil && !query.IsMalformed(herr) {
				return herr
			}
			if pretty {
				var buf bytes.Buffer
				if err := stdjson.Indent(&buf, out, "", "  "); err == nil {
					out = buf.Bytes()
				}
			}
			if _, err := fmt.Fprintln(cmd.OutOrStdout(), string(out)); err != nil {
				return err
			}
			return herr
		},
	}
	cmd.Flags().StringVarP(&kind, "kind", "k", "", "Kind used when the request omits one")
	cmd.Flags().BoolVarP(&pretty, "pretty", "p", false, "Indent the response")
	return cmd
}
