// cmd_jit.go - jit Command
// Hauptfunktionen: JITHandler
package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Ceng23333/cuda-driver/envconfig"
	"github.com/Ceng23333/cuda-driver/format"
	"github.com/Ceng23333/cuda-driver/gpu"
	"github.com/Ceng23333/cuda-driver/jit"
)

// JITHandler - Uebersetzt eine Quelldatei und listet ihre Symbole.
// Mit --load wird das Modul auf Device 0 geladen und jeder Kernel aufgeloest.
func JITHandler(cmd *cobra.Command, args []string) error {
	src, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	name := strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))

	driver, _ := cmd.Flags().GetString("driver")
	drv, err := gpu.OpenDriver(driver)
	if err != nil {
		return err
	}

	opts := jit.OptionsFromEnv()
	ptx, err := jit.Compile(drv, string(src), name, opts)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "  %-20s %s\n", "name", ptx.Name())
	fmt.Fprintf(out, "  %-20s %s\n", "image", format.HumanBytes2(uint64(len(ptx.Bytes()))))
	if len(opts.Flags()) > 0 {
		fmt.Fprintf(out, "  %-20s %s\n", "flags", strings.Join(opts.Flags(), " "))
	}
	fmt.Fprintln(out)

	var data [][]string
	for _, s := range ptx.Symbols() {
		data = append(data, []string{s.Name, s.Kind.String()})
	}
	table := newTable(out, "SYMBOL", "KIND")
	table.AppendBulk(data)
	table.Render()

	if out, _ := cmd.Flags().GetString("output"); out != "" {
		if err := os.WriteFile(out, ptx.Bytes(), 0o644); err != nil {
			return err
		}
	}

	if load, _ := cmd.Flags().GetBool("load"); !load {
		return nil
	}

	dev, err := gpu.OpenDevice(drv, 0)
	if err != nil {
		return err
	}
	defer dev.Release()

	ctx, err := dev.Context()
	if err != nil {
		return err
	}
	return ctx.Apply(func(cur *gpu.CurrentContext) error {
		k, err := jit.LoadPtx(cur, ptx)
		if err != nil {
			return err
		}
		defer k.Unload()

		fmt.Fprintf(out, "\n  %-20s %s\n", "loaded", strings.Join(k.Names(), ", "))
		return nil
	})
}

// newJITCmd - Erstellt den jit Command
func newJITCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jit FILE.cu",
		Short: "Compile a kernel source and list its entry points",
		Args:  cobra.ExactArgs(1),
		RunE:  JITHandler,
	}
	cmd.Flags().String("driver", envconfig.Driver(), "Device driver (cuda, sim)")
	cmd.Flags().StringP("output", "o", "", "Write the compiled image to this file")
	cmd.Flags().Bool("load", false, "Load the module on device 0 and resolve every kernel")
	return cmd
}
