// cmd_plan.go - plan Command
// Hauptfunktionen: PlanHandler, preparePlan
package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/Ceng23333/cuda-driver/envconfig"
	"github.com/Ceng23333/cuda-driver/format"
	"github.com/Ceng23333/cuda-driver/fs/ggml"
	"github.com/Ceng23333/cuda-driver/ml/nn"
	"github.com/Ceng23333/cuda-driver/model"
)

// planned ist das Ergebnis von Build, FixN und PlanWeights
type planned struct {
	f        *ggml.File
	m        model.Model
	g        *nn.Graph
	bindings []model.Binding
	plan     *model.Plan
}

// preparePlan - Oeffnet den Container, baut den Graphen und plant die Gewichte.
// Jede freie Shape-Variable bekommt den Wert n.
func preparePlan(cmd *cobra.Command, paths []string) (*planned, error) {
	n, err := cmd.Flags().GetUint64("n")
	if err != nil {
		return nil, err
	}
	align, err := cmd.Flags().GetUint64("align")
	if err != nil {
		return nil, err
	}

	f, err := ggml.Open(paths...)
	if err != nil {
		return nil, err
	}

	p := &planned{f: f}
	if err := p.build(n, align); err != nil {
		f.Close()
		return nil, err
	}
	return p, nil
}

func (p *planned) build(n, align uint64) (err error) {
	if p.m, err = model.New(p.f); err != nil {
		return err
	}
	if p.g, err = model.Build(p.m); err != nil {
		return err
	}

	env := make(map[string]uint64)
	for _, v := range p.g.FreeVars() {
		env[v] = n
	}
	slog.Debug("fixing shape variables", "env", env)

	if p.bindings, err = model.FixN(p.g, p.f, env); err != nil {
		return err
	}
	p.plan, err = model.PlanWeights(p.bindings, align, p.m.Blocks())
	return err
}

func (p *planned) Close() error {
	return p.f.Close()
}

// PlanHandler - Zeigt Topologie und Gewichtsbereiche
func PlanHandler(cmd *cobra.Command, args []string) error {
	p, err := preparePlan(cmd, args)
	if err != nil {
		return err
	}
	defer p.Close()

	out := cmd.OutOrStdout()
	for i := range p.g.Nodes {
		fmt.Fprintln(out, p.g.Format(i))
	}
	fmt.Fprintln(out)

	var data [][]string
	for _, e := range p.plan.Table.Entries() {
		alias := ""
		if e.Alias {
			alias = "alias"
		}
		data = append(data, []string{e.Name, e.Range.String(), format.HumanBytes2(e.Range.Len()), alias})
	}
	table := newTable(out, "WEIGHT", "RANGE", "SIZE", "")
	table.AppendBulk(data)
	table.Render()

	if showHist, _ := cmd.Flags().GetBool("histogram"); showHist {
		fmt.Fprintln(out)
		data = nil
		for _, sc := range p.plan.Table.Histogram() {
			data = append(data, []string{fmt.Sprint(sc.Len), fmt.Sprint(sc.Count)})
		}
		table := newTable(out, "LENGTH", "COUNT")
		table.AppendBulk(data)
		table.Render()
	}

	fmt.Fprintf(out, "\n  %-20s %s\n", "weights", format.HumanBytes2(p.plan.Table.Size()))
	fmt.Fprintf(out, "  %-20s %v\n", "staging dedicated", p.plan.Dedicated)
	fmt.Fprintf(out, "  %-20s %d\n", "staging shared", p.plan.Shared)
	return nil
}

func addPlanFlags(cmd *cobra.Command) {
	cmd.Flags().Uint64P("n", "n", 5, "Value for every free shape variable (sequence length)")
	cmd.Flags().Uint64("align", envconfig.Align(), "Alignment of packed weights in bytes")
}

// newPlanCmd - Erstellt den plan Command
func newPlanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan GGUF [SHARD...]",
		Short: "Build the graph and plan the weight buffer",
		Args:  cobra.MinimumNArgs(1),
		RunE:  PlanHandler,
	}
	addPlanFlags(cmd)
	cmd.Flags().Bool("histogram", false, "Show the tensor size histogram")
	return cmd
}
