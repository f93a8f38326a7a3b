// cmd_inspect.go - inspect und env Commands
// Hauptfunktionen: InspectHandler, EnvHandler
package cmd

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Ceng23333/cuda-driver/envconfig"
	"github.com/Ceng23333/cuda-driver/format"
	"github.com/Ceng23333/cuda-driver/fs/ggml"
)

// kvString kuerzt lange Arrays fuer die Ausgabe
func kvString(v any) string {
	s := fmt.Sprintf("%v", v)
	if len(s) > 60 {
		s = s[:57] + "..."
	}
	return s
}

// InspectHandler - Zeigt Kopf, Metadaten und Tensor-Tabelle eines Containers
func InspectHandler(cmd *cobra.Command, args []string) error {
	f, err := ggml.Open(args...)
	if err != nil {
		return err
	}
	defer f.Close()

	kv := f.KV()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "  %-20s %s\n", "architecture", kv.Architecture())
	fmt.Fprintf(out, "  %-20s %d\n", "parameters", kv.ParameterCount())
	fmt.Fprintf(out, "  %-20s %d\n", "tensors", f.Len())
	fmt.Fprintf(out, "  %-20s %d\n\n", "alignment", kv.Alignment())

	if showKV, _ := cmd.Flags().GetBool("kv"); showKV {
		var data [][]string
		for _, k := range slices.Sorted(kv.Keys()) {
			data = append(data, []string{k, kvString(kv.Value(k))})
		}
		table := newTable(out, "KEY", "VALUE")
		table.AppendBulk(data)
		table.Render()
		fmt.Fprintln(out)
	}

	var (
		data  [][]string
		total uint64
	)
	for t := range f.Tensors() {
		dims := make([]string, len(t.Dims()))
		for i, d := range t.Dims() {
			dims[i] = fmt.Sprint(d)
		}
		data = append(data, []string{t.Name, t.Type(), "[" + strings.Join(dims, ", ") + "]", format.HumanBytes2(t.Size())})
		total += t.Size()
	}
	table := newTable(out, "NAME", "TYPE", "SHAPE", "SIZE")
	table.AppendBulk(data)
	table.Render()

	fmt.Fprintf(out, "\n  %-20s %s\n", "total", format.HumanBytes2(total))
	return nil
}

// EnvHandler - Gibt alle Konfigurationsvariablen mit Wert aus
func EnvHandler(cmd *cobra.Command, args []string) error {
	vars := envconfig.AsMap()

	var data [][]string
	for _, k := range slices.Sorted(maps.Keys(vars)) {
		v := vars[k]
		data = append(data, []string{v.Name, fmt.Sprintf("%v", v.Value), v.Description})
	}

	table := newTable(cmd.OutOrStdout(), "NAME", "VALUE", "DESCRIPTION")
	table.AppendBulk(data)
	table.Render()
	return nil
}

// newInspectCmd - Erstellt den inspect Command
func newInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect GGUF [SHARD...]",
		Short: "Show the header, metadata and tensors of a container",
		Args:  cobra.MinimumNArgs(1),
		RunE:  InspectHandler,
	}
	cmd.Flags().Bool("kv", false, "Show all metadata key-value pairs")
	return cmd
}

// newEnvCmd - Erstellt den env Command
func newEnvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "env",
		Short: "Show the configuration environment",
		Args:  cobra.NoArgs,
		RunE:  EnvHandler,
	}
}
