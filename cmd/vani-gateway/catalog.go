package main

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vani-protocol/vani-gateway/pkg/gateway/registry"
)

func newCatalogCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect the backend catalog",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "validate",
			Short: "Check a catalog file and build every backend it declares",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := loadConfig(opts)
				if err != nil {
					return err
				}
				reg, err := buildRegistry(cfg)
				if err != nil {
					return err
				}
				snap := reg.Snapshot()
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %d backends, %d tools, %d dialects\n",
					okStyle.Render("ok"), cfg.CatalogFile, len(snap.All()), len(snap.Tools()), len(snap.Dialects()))
				return nil
			},
		},
		&cobra.Command{
			Use:   "show",
			Short: "List catalog backends, defaults, dialects, and tools",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := loadConfig(opts)
				if err != nil {
					return err
				}
				cat, err := registry.LoadCatalog(cfg.CatalogFile)
				if err != nil {
					return err
				}
				return printCatalog(cmd.OutOrStdout(), cat)
			},
		},
	)
	return cmd
}

func printCatalog(w io.Writer, cat *registry.Catalog) error {
	fmt.Fprintln(w, headerStyle.Render("Backends"))
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTAGE\tVENDOR\tREGION\tLANGUAGES\tFEATURES")
	for _, b := range cat.Backends {
		id := b.ID
		if cat.Defaults[b.Stage] == b.ID {
			id += " *"
		}
		langs := strings.Join(b.Languages, ",")
		if langs == "" {
			langs = "any"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", idStyle.Render(id), b.Stage, b.Vendor, b.Region, langs, featureList(b))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(cat.Dialects) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, headerStyle.Render("Dialects"))
		tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "TAG\tLANGUAGE\tBACKEND\tMARKERS")
		for _, d := range cat.Dialects {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", d.Tag, d.Language, d.Backend, len(d.Markers))
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	if len(cat.Tools) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, headerStyle.Render("Tools"))
		tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tEXECUTOR\tSENSITIVITY\tREQUIRED")
		for _, t := range cat.Tools {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", t.Name, t.Executor, t.Sensitivity, strings.Join(t.Required, ","))
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, dateStyle.Render("* default for its stage"))
	return nil
}

func featureList(b registry.BackendSpec) string {
	var out []string
	f := b.Features
	for _, kv := range []struct {
		on   bool
		name string
	}{
		{f.Streaming, "streaming"},
		{f.CodeSwitch, "code_switch"},
		{f.Transliteration, "transliteration"},
		{f.Diarization, "diarization"},
		{f.Tools, "tools"},
	} {
		if kv.on {
			out = append(out, kv.name)
		}
	}
	if len(f.Codecs) > 0 {
		codecs := slices.Clone(f.Codecs)
		slices.Sort(codecs)
		out = append(out, "codecs="+strings.Join(codecs, "/"))
	}
	if len(out) == 0 {
		return "-"
	}
	return strings.Join(out, ",")
}
