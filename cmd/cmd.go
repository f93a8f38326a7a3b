// cmd.go - Haupt-CLI Setup und Root Command
// Hauptfunktionen: NewCLI, appendEnvDocs, newTable
package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/Ceng23333/cuda-driver/envconfig"
	"github.com/Ceng23333/cuda-driver/logutil"
)

// appendEnvDocs - Fuegt Umgebungsvariablen-Dokumentation zum Command hinzu
func appendEnvDocs(cmd *cobra.Command, envs []envconfig.EnvVar) {
	if len(envs) == 0 {
		return
	}

	envUsage := `
Environment Variables:
`
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-34s   %s\n", e.Name, e.Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}

// newTable - Tabelle im Stil von list/ps
func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoFormatHeaders(false)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	return table
}

// NewCLI - Erstellt das Haupt-CLI mit allen Commands
func NewCLI() *cobra.Command {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "gpugraph",
		Short:         "Build, plan and load transformer graphs on GPU devices",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))
			slog.Debug("config", "command", cmd.Name(), "env", envconfig.Values())
		},
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Print(cmd.UsageString())
		},
	}

	inspectCmd := newInspectCmd()
	planCmd := newPlanCmd()
	loadCmd := newLoadCmd()
	synthCmd := newSynthCmd()
	jitCmd := newJITCmd()
	envCmd := newEnvCmd()

	// Environment-Dokumentation hinzufuegen
	envVars := envconfig.AsMap()
	for _, cmd := range []*cobra.Command{planCmd, loadCmd, jitCmd} {
		switch cmd {
		case planCmd:
			appendEnvDocs(cmd, []envconfig.EnvVar{envVars["GPUGRAPH_DEBUG"], envVars["GPUGRAPH_ALIGN"]})
		case loadCmd:
			appendEnvDocs(cmd, []envconfig.EnvVar{
				envVars["GPUGRAPH_DEBUG"],
				envVars["GPUGRAPH_DRIVER"],
				envVars["GPUGRAPH_ALIGN"],
				envVars["GPUGRAPH_STAGING_DEPTH"],
				envVars["GPUGRAPH_SIM_MEMORY"],
			})
		case jitCmd:
			appendEnvDocs(cmd, []envconfig.EnvVar{
				envVars["GPUGRAPH_DRIVER"],
				envVars["GPUGRAPH_INCLUDE_PATHS"],
				envVars["GPUGRAPH_JIT_FLAGS"],
				envVars["GPUGRAPH_NO_HOST_DEVICE_CONSTEXPR"],
				envVars["GPUGRAPH_DISABLE_VERSION_CHECK"],
			})
		}
	}

	rootCmd.AddCommand(
		inspectCmd,
		planCmd,
		loadCmd,
		synthCmd,
		jitCmd,
		envCmd,
	)

	return rootCmd
}
