package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/vani-protocol/vani-gateway/pkg/core/types"
	"github.com/vani-protocol/vani-gateway/pkg/gateway/live/sessions"
)

func newNegotiateCmd(opts *globalOptions) *cobra.Command {
	var (
		file   string
		output string
	)
	cmd := &cobra.Command{
		Use:   "negotiate",
		Short: "Show what a negotiation request would be granted",
		Long: `Runs codec and capability negotiation against the local catalog without opening a
session. The request is read as YAML or JSON from --file, or from stdin when --file is "-".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			var in io.Reader = cmd.InOrStdin()
			if file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			req, err := decodeNegotiationRequest(in)
			if err != nil {
				return err
			}

			reg, err := buildRegistry(cfg)
			if err != nil {
				return err
			}
			mgr := sessions.NewManager(cfg.Manager(), reg, newLogger(io.Discard, "error", "text"))
			resp, err := mgr.Preview(cmd.Context(), req)
			if err != nil {
				return fmt.Errorf("negotiation rejected: %w", err)
			}
			return printNegotiation(cmd.OutOrStdout(), resp, output)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "negotiation request file")
	cmd.Flags().StringVarP(&output, "output", "o", "yaml", "output format: yaml or json")
	return cmd
}

// decodeNegotiationRequest accepts YAML (and therefore JSON) and maps it onto the wire
// field names used by the HTTP endpoint.
func decodeNegotiationRequest(r io.Reader) (types.NegotiationRequest, error) {
	var doc any
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return types.NegotiationRequest{}, fmt.Errorf("decode request: %w", err)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return types.NegotiationRequest{}, fmt.Errorf("decode request: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var req types.NegotiationRequest
	if err := dec.Decode(&req); err != nil {
		return types.NegotiationRequest{}, fmt.Errorf("decode request: %w", err)
	}
	return req, nil
}

func printNegotiation(w io.Writer, resp types.NegotiationResponse, format string) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	if format == "json" {
		var buf bytes.Buffer
		if err := json.Indent(&buf, raw, "", "  "); err != nil {
			return err
		}
		buf.WriteByte('\n')
		_, err := w.Write(buf.Bytes())
		return err
	}

	status := okStyle.Render("accepted")
	if len(resp.Degraded) > 0 {
		status = warnStyle.Render(fmt.Sprintf("degraded (%d)", len(resp.Degraded)))
	}
	fmt.Fprintf(w, "%s %s\n\n", headerStyle.Render("Negotiation"), status)

	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return err
	}
	return enc.Close()
}
