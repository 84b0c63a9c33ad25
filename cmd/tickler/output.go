package main

import (
	"encoding/json"
	"io"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/pterm/pterm"
	"gopkg.in/yaml.v3"

	"github.com/dshills/tickler/internal/plugin"
)

const (
	outputTable = "table"
	outputJSON  = "json"
	outputYAML  = "yaml"
)

func checkOutput(format string) error {
	switch format {
	case outputTable, outputJSON, outputYAML:
		return nil
	}
	return errors.Newf("unknown output format %q (want table, json or yaml)", format)
}

// writeValue encodes v as JSON or YAML.
func writeValue(w io.Writer, format string, v any) error {
	switch format {
	case outputYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return errors.Wrap(err, "encoding yaml")
		}
		return enc.Close()
	default:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return errors.Wrap(enc.Encode(v), "encoding json")
	}
}

// writePlugins renders plugin snapshots in the selected format.
func writePlugins(w io.Writer, format string, infos []plugin.Info) error {
	if format != outputTable {
		if infos == nil {
			infos = []plugin.Info{}
		}
		return writeValue(w, format, infos)
	}
	if len(infos) == 0 {
		_, err := io.WriteString(w, "no plugins found\n")
		return err
	}

	data := pterm.TableData{{"NAME", "VERSION", "STATE", "EXPORTS", "ERROR"}}
	for _, info := range infos {
		data = append(data, []string{
			info.Name,
			info.Version,
			info.State,
			strings.Join(info.Exports, ","),
			info.Error,
		})
	}
	return pterm.DefaultTable.
		WithHasHeader().
		WithWriter(w).
		WithData(data).
		Render()
}
