// Package cmds implements the dwdump command tree.
package cmds

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/kerndbg/kerndbg/pkg/config"
	"github.com/kerndbg/kerndbg/pkg/logflags"
)

var (
	// dumpAll enables every listing at once.
	dumpAll bool
	// dumpArguments lists the parameters of every function.
	dumpArguments bool
	// dumpFiles lists the source files.
	dumpFiles bool
	// dumpGlobals lists global data symbols.
	dumpGlobals bool
	// dumpLines lists the line tables.
	dumpLines bool
	// dumpLocals lists the local variables of every function.
	dumpLocals bool
	// dumpFunctions lists the functions.
	dumpFunctions bool
	// dumpTypes lists the types.
	dumpTypes bool
	// dumpUnwind prints the frame established at every function entry.
	dumpUnwind bool
	// debug enables subsystem logging, the set comes from the config
	// file and defaults to everything.
	debug bool

	conf *config.Config
)

const dwdumpLongDesc = `Dwdump loads the DWARF debug information of an executable image
and prints the symbol model built from it: source files, types,
functions with their parameters and locals, global variables, line
tables and call frame information.

Data symbol locations are resolved at each function's entry point
against a target whose memory and registers read as zero, so the
listing shows where a symbol lives rather than a live value.`

// New returns an initialized command tree.
func New() *cobra.Command {
	conf = config.LoadConfig()

	rootCommand := &cobra.Command{
		Use:           "dwdump [flags] <image>",
		Short:         "Dump the DWARF debug information of an executable image.",
		Long:          dwdumpLongDesc,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logSpec := ""
			if debug {
				logSpec = conf.DebugLogging
				if logSpec == "" {
					logSpec = "all"
				}
			}
			if err := logflags.Setup(debug, logSpec); err != nil {
				return err
			}

			// With no listing selected print the files and functions.
			selected := false
			cmd.Flags().VisitAll(func(f *pflag.Flag) {
				if f.Name != "debug" && f.Changed {
					selected = true
				}
			})
			if !selected {
				dumpFiles = true
				dumpFunctions = true
			}

			if dumpAll {
				dumpArguments = true
				dumpFiles = true
				dumpGlobals = true
				dumpLines = true
				dumpLocals = true
				dumpFunctions = true
				dumpTypes = true
				dumpUnwind = true
			}
			if dumpArguments || dumpLocals {
				dumpFunctions = true
			}

			if err := dump(args[0]); err != nil {
				fmt.Fprintf(os.Stderr, "dwdump: %v\n", err)
				return err
			}
			return nil
		},
	}

	rootCommand.Flags().BoolVarP(&dumpAll, "all", "A", false, "Print everything.")
	rootCommand.Flags().BoolVarP(&dumpArguments, "arguments", "a", false, "Print the parameters of every function (implies --functions).")
	rootCommand.Flags().BoolVarP(&debug, "debug", "D", false, "Enable subsystem debug logging.")
	rootCommand.Flags().BoolVarP(&dumpFiles, "files", "f", false, "Print the source files.")
	rootCommand.Flags().BoolVarP(&dumpGlobals, "globals", "g", false, "Print global variables.")
	rootCommand.Flags().BoolVarP(&dumpLines, "lines", "i", false, "Print the line tables.")
	rootCommand.Flags().BoolVarP(&dumpLocals, "locals", "l", false, "Print the local variables of every function (implies --functions).")
	rootCommand.Flags().BoolVarP(&dumpFunctions, "functions", "p", false, "Print the functions.")
	rootCommand.Flags().BoolVarP(&dumpTypes, "types", "t", false, "Print the types.")
	rootCommand.Flags().BoolVarP(&dumpUnwind, "unwind", "u", false, "Print the frame established at every function entry.")

	return rootCommand
}
