// cmd_load.go - load Command
// Hauptfunktionen: LoadHandler, progressBar
package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Ceng23333/cuda-driver/envconfig"
	"github.com/Ceng23333/cuda-driver/format"
	"github.com/Ceng23333/cuda-driver/gpu"
	"github.com/Ceng23333/cuda-driver/ml"
	"github.com/Ceng23333/cuda-driver/model"
)

// progressBar - Fortschritt auf einem Terminal, sonst nichts
func progressBar(w io.Writer, label string) func(float32) {
	f, ok := w.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return nil
	}

	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil || width < len(label)+20 {
		width = len(label) + 40
	}
	bar := width - len(label) - 10

	return func(p float32) {
		n := int(p * float32(bar))
		fmt.Fprintf(w, "\r%s [%s%s] %3.0f%%", label, strings.Repeat("=", n), strings.Repeat(" ", bar-n), p*100)
		if p >= 1 {
			fmt.Fprintln(w)
		}
	}
}

// LoadHandler - Plant und laedt die Gewichte auf Device 0
func LoadHandler(cmd *cobra.Command, args []string) error {
	p, err := preparePlan(cmd, args)
	if err != nil {
		return err
	}
	defer p.Close()

	if prefetch, _ := cmd.Flags().GetBool("prefetch"); prefetch {
		if err := p.f.Prefetch(cmd.Context()); err != nil {
			return err
		}
	}

	name, _ := cmd.Flags().GetString("driver")
	drv, err := gpu.OpenDriver(name)
	if err != nil {
		return err
	}
	dev, err := gpu.OpenDevice(drv, 0)
	if err != nil {
		return err
	}
	defer dev.Release()

	devName, _ := dev.Name()
	ctx, err := dev.Context()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	verify, _ := cmd.Flags().GetBool("verify")
	dump, _ := cmd.Flags().GetStringSlice("dump")

	return ctx.Apply(func(cur *gpu.CurrentContext) error {
		start := time.Now()
		w, err := model.LoadWeights(cmd.Context(), cur, p.plan, int(envconfig.StagingDepth()), progressBar(os.Stderr, "loading"))
		if err != nil {
			return err
		}
		defer w.Free()

		elapsed := time.Since(start)
		fmt.Fprintf(out, "  %-20s %s (%s)\n", "device", devName, drv.Name())
		fmt.Fprintf(out, "  %-20s %s in %s\n", "weights", format.HumanBytes2(w.Stats.Bytes), elapsed.Round(time.Millisecond))
		fmt.Fprintf(out, "  %-20s staged %d, direct %d, waits %d\n", "uploads", w.Stats.Staged, w.Stats.Direct, w.Stats.Waits)

		if verify {
			if err := w.Verify(cur); err != nil {
				return err
			}
			fmt.Fprintf(out, "  %-20s ok\n", "verify")
		}

		for _, name := range dump {
			if err := dumpWeight(cur, out, w, p.bindings, name); err != nil {
				return err
			}
		}
		return nil
	})
}

// dumpWeight - Liest ein Gewicht vom Device zurueck und gibt es formatiert aus
func dumpWeight(cur *gpu.CurrentContext, out io.Writer, w *model.Weights, bindings []model.Binding, name string) error {
	var meta ml.TensorMeta
	found := false
	for _, b := range bindings {
		if b.Name == name && b.IsWeight() {
			meta, found = b.Meta, true
			break
		}
	}
	s, ok := w.Slice(name)
	if !found || !ok {
		return fmt.Errorf("weight %s not found", name)
	}

	host := make([]byte, s.Len)
	if err := gpu.MemcpyDtoH(cur, host, s); err != nil {
		return err
	}
	text, err := ml.Dump(meta, host)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "\n%s %s\n%s\n", name, meta, text)
	return nil
}

// newLoadCmd - Erstellt den load Command
func newLoadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "load GGUF [SHARD...]",
		Short: "Plan and upload the weights onto device 0",
		Args:  cobra.MinimumNArgs(1),
		RunE:  LoadHandler,
	}
	addPlanFlags(cmd)
	cmd.Flags().String("driver", envconfig.Driver(), "Device driver (cuda, sim)")
	cmd.Flags().Bool("verify", false, "Read the weights back and compare them with the container")
	cmd.Flags().StringSlice("dump", nil, "Print the named weights read back from the device")
	cmd.Flags().Bool("prefetch", false, "Ask the kernel to read the container ahead")
	return cmd
}
