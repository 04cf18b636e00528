package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/gluk-w/sensorctl/internal/control"
)

func jsonOutput(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

// printResult prints one row per node. With fields, each field becomes a
// column; otherwise the node's output is shown. A partial failure is
// returned as an error so the exit status reflects it.
func printResult(cmd *cobra.Command, res *control.CmdResult, fields ...string) error {
	out := cmd.OutOrStdout()
	if jsonOutput(cmd) {
		if err := writeJSON(out, res); err != nil {
			return err
		}
		return resultError(res)
	}

	tw := newTable(out)
	header := []string{"NODE", "TYPE", "HOST"}
	for _, f := range fields {
		header = append(header, strings.ToUpper(f))
	}
	if len(fields) == 0 {
		header = append(header, "RESULT")
	}
	fmt.Fprintln(tw, strings.Join(header, "\t"))

	for _, nr := range res.Nodes {
		row := []string{nr.Node.Name, string(nr.Node.Type), nr.Node.Host}
		switch {
		case len(fields) == 0 || (!nr.OK && len(nr.Fields) == 0):
			row = append(row, firstLine(nr.Output))
		default:
			for _, f := range fields {
				row = append(row, nr.Fields[f])
			}
		}
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	return resultError(res)
}

// printOutputs prints each node's full output under a header line, for
// commands whose output is free text.
func printOutputs(cmd *cobra.Command, res *control.CmdResult) error {
	out := cmd.OutOrStdout()
	if jsonOutput(cmd) {
		if err := writeJSON(out, res); err != nil {
			return err
		}
		return resultError(res)
	}
	for _, nr := range res.Nodes {
		mark := ""
		if !nr.OK {
			mark = " (failed)"
		}
		fmt.Fprintf(out, "---- %s [%s]%s\n", nr.Node.Name, nr.Node.Host, mark)
		text := strings.TrimRight(nr.Output, "\n")
		if text != "" {
			fmt.Fprintln(out, text)
		}
	}
	return resultError(res)
}

func resultError(res *control.CmdResult) error {
	if res.OK {
		return nil
	}
	return fmt.Errorf("%s: %d of %d nodes failed", res.Command, res.Failed, res.Failed+res.Succeeded)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}
