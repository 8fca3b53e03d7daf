package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/fang"
	"github.com/charmbracelet/x/term"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"symq/internal/config"
	"symq/internal/logging"
	"symq/internal/provider"
	"symq/internal/provider/symdir"
	"symq/internal/query"
	"symq/internal/symq/log"
)

// app is the state shared by the subcommands once flags are parsed.
type app struct {
	fs         afero.Fs
	configPath string
	fixture    string
	debug      bool

	cfg    *config.Config
	logger *logging.LoggerCloser
}

func newRootCmd() *cobra.Command {
	return newRootCmdWithFs(afero.NewOsFs())
}

// newRootCmdWithFs builds the command tree reading config, fixtures and
// symbol files through fsys.
func newRootCmdWithFs(fsys afero.Fs) *cobra.Command {
	a := &app{fs: fsys}

	root := &cobra.Command{
		Use:   "symq",
		Short: "Symbolication, disassembly and source queries over debug files",
		Long: `symq answers batched queries about native modules: which function, file and
line an address belongs to, what instructions live in an address range, and
the source text of files referenced by debug info.`,
		Example: `
# Serve queries over HTTP from a symbol directory
symq serve --config /etc/symq.yaml

# Run one request from a file against a JSON fixture
symq query --fixture modules.json request.json

# Print a colorized listing
symq asm --fixture modules.json libfoo ABCD1234 0x2000 16
  `,
		SilenceUsage:      true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error { return a.setup(cmd) },
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.logger != nil {
				_ = a.logger.Close()
			}
		},
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", os.Getenv("SYMQ_CONFIG"), "YAML configuration file")
	root.PersistentFlags().StringVar(&a.fixture, "fixture", "", "Serve modules from a JSON fixture instead of symbol directories")
	root.PersistentFlags().BoolVarP(&a.debug, "debug", "d", logging.IsDebug(), "Debug logging with caller locations")

	root.AddCommand(
		newServeCmd(a),
		newQueryCmd(a),
		newAsmCmd(a),
		newSchemaCmd(),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	if cmd.Name() == "schema" {
		return nil
	}
	cfg, err := config.Load(a.fs, a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg

	lg, err := logging.New(logging.Options{
		Level:    cfg.Log.Level,
		File:     cfg.Log.File,
		Fallback: cmd.ErrOrStderr(),
		Debug:    a.debug,
	})
	if err != nil {
		return err
	}
	a.logger = lg
	log.Setup(lg.Logger)
	return nil
}

// provider opens the configured module source. The returned close function
// releases cached modules.
func (a *app) provider() (provider.Provider, func() error, error) {
	if a.fixture != "" {
		f, err := a.fs.Open(a.fixture)
		if err != nil {
			return nil, nil, fmt.Errorf("open fixture: %w", err)
		}
		defer f.Close()
		p, err := provider.LoadFixture(f)
		if err != nil {
			return nil, nil, fmt.Errorf("load fixture %s: %w", a.fixture, err)
		}
		return p, func() error { return nil }, nil
	}

	p, err := symdir.New(a.cfg.SymdirConfig(a.fs), a.logger.Logger)
	if err != nil {
		return nil, nil, err
	}
	return p, p.Close, nil
}

func (a *app) dispatcher(p provider.Provider, reg prometheus.Registerer) (*query.Dispatcher, error) {
	qc, err := a.cfg.QueryConfig()
	if err != nil {
		return nil, err
	}
	return query.New(p, qc, a.logger.Logger, reg)
}

// Execute runs the command line and returns the process exit code.
func Execute() int {
	root := newRootCmd()

	// fang renders help and errors for terminals only
	var err error
	if term.IsTerminal(os.Stdout.Fd()) {
		err = fang.Execute(context.Background(), root, fang.WithNotifySignal(os.Interrupt))
	} else {
		err = root.ExecuteContext(context.Background())
	}
	if err != nil {
		return 1
	}
	return 0
}

// readInput returns the contents of path, or of stdin when path is empty or
// "-". Reading from an interactive terminal is refused.
func readInput(cmd *cobra.Command, fsys afero.Fs, path string) ([]byte, error) {
	if path != "" && path != "-" {
		return afero.ReadFile(fsys, path)
	}
	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok && term.IsTerminal(f.Fd()) {
		return nil, fmt.Errorf("no request given: pass a file or pipe one on stdin")
	}
	return io.ReadAll(in)
}
