// Command corectl composes and runs WebAssembly Component-Model
// extensions. It manages the installed extension manifest (add, remove,
// list), prints the dependency graph, and starts the full composition
// (dynamic linking, instantiation, export resolution) for a direct
// invocation or the interactive inspector.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/icp-tools/corectl/corerr"
	"github.com/icp-tools/corectl/depgraph"
	"github.com/icp-tools/corectl/engine"
	"github.com/icp-tools/corectl/extension"
	"github.com/icp-tools/corectl/iface"
	"github.com/icp-tools/corectl/manifest"
	"github.com/icp-tools/corectl/startup"
	"github.com/icp-tools/corectl/wasmengine"
)

const serviceName = "corectl"

type rootOptions struct {
	manifestPath  string
	extensionsDir string
	precompileDir string
}

func defaultPaths() rootOptions {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	base := filepath.Join(home, "."+serviceName)
	return rootOptions{
		manifestPath:  filepath.Join(base, "manifest.json"),
		extensionsDir: filepath.Join(base, "extensions"),
		precompileDir: filepath.Join(base, "precompiles"),
	}
}

func main() {
	opts := defaultPaths()
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	root := &cobra.Command{
		Use:   serviceName,
		Short: "compose and run WebAssembly Component-Model extensions",
	}
	root.PersistentFlags().StringVar(&opts.manifestPath, "manifest", opts.manifestPath, "path to the manifest document")
	root.PersistentFlags().StringVar(&opts.extensionsDir, "extensions-dir", opts.extensionsDir, "directory holding installed component bytes")
	root.PersistentFlags().StringVar(&opts.precompileDir, "precompiles-dir", opts.precompileDir, "directory holding precompile artifacts")

	root.AddCommand(
		newAddCommand(&opts, logger),
		newRemoveCommand(&opts, logger),
		newListCommand(&opts),
		newGraphCommand(&opts),
		newInspectCommand(&opts, logger),
		newRunCommand(&opts, logger),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, describeErr(err))
		os.Exit(1)
	}
}

func describeErr(err error) string {
	if e, ok := err.(*corerr.Error); ok {
		return e.Error()
	}
	return err.Error()
}

func newAddCommand(opts *rootOptions, logger *zap.Logger) *cobra.Command {
	var checksum string
	var force bool

	cmd := &cobra.Command{
		Use:   "add <name> <location>",
		Short: "add an extension from a local path or URI",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := manifest.NewStore(opts.manifestPath)
			detector := iface.New(logger)
			eng := wasmengine.NewPrecompiler(detector)
			adder := extension.NewAdder(eng, extension.LocalOrHTTPSource{}, store, opts.extensionsDir, opts.precompileDir, logger)

			return adder.Add(cmd.Context(), args[0], args[1], extension.AddOptions{
				Checksum: checksum,
				Force:    force,
			})
		},
	}
	cmd.Flags().StringVar(&checksum, "checksum", "", "expected sha256 hex digest of the component bytes")
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing extension with the same name")
	return cmd
}

func newRemoveCommand(opts *rootOptions, logger *zap.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <name>",
		Short: "remove an installed extension",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := manifest.NewStore(opts.manifestPath)
			return extension.NewRemover(store, logger).Remove(args[0])
		},
	}
}

func newListCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "list installed extensions",
		RunE: func(cmd *cobra.Command, args []string) error {
			store := manifest.NewStore(opts.manifestPath)
			names, err := extension.NewLister(store).List()
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}

func newGraphCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "graph",
		Short: "print the dependency graph of installed extensions",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := manifest.NewStore(opts.manifestPath).Load()
			if err != nil {
				return err
			}
			g := depgraph.New(m)
			fmt.Fprint(cmd.OutOrStdout(), g.FormatText())
			return nil
		},
	}
}

func newInspectCommand(opts *rootOptions, logger *zap.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "interactively browse installed extensions and their state",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			wazeroEngine, err := engine.NewWazeroEngine(ctx)
			if err != nil {
				return corerr.Unexpected(err)
			}
			defer wazeroEngine.Close(ctx)

			sys, err := startup.Start(ctx, wazeroEngine, opts.manifestPath, logger)
			if err != nil {
				return err
			}
			return runInspector(sys)
		},
	}
}

// newRunCommand starts the full composition (§2 "register dispatch entry
// points") and dispatches args to the named extension's cli.run export,
// exiting with the code it reports.
func newRunCommand(opts *rootOptions, logger *zap.Logger) *cobra.Command {
	return &cobra.Command{
		Use:                "run <extension> [args...]",
		Short:              "start the composition and dispatch to an extension's cli.run export",
		Args:               cobra.MinimumNArgs(1),
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			wazeroEngine, err := engine.NewWazeroEngine(ctx)
			if err != nil {
				return corerr.Unexpected(err)
			}
			defer wazeroEngine.Close(ctx)

			sys, err := startup.Start(ctx, wazeroEngine, opts.manifestPath, logger)
			if err != nil {
				return err
			}

			code, err := sys.RunCLI(ctx, args[0], args[1:])
			if err != nil {
				return err
			}
			os.Exit(int(code))
			return nil
		},
	}
}
