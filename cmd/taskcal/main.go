package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"taskcal/internal/config"
	appLog "taskcal/internal/log"
	"taskcal/internal/web"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// rootOptions holds flags shared by all subcommands.
type rootOptions struct {
	configPath string
	envFile    string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "taskcal",
		Short: "Deliver stored prompts into conversations on an iCalendar schedule",
		Long: `taskcal keeps a file of scheduled prompts, each with a VEVENT schedule
(DTSTART plus optional RRULE, RDATE and EXDATE), and POSTs every prompt to
the injection endpoint when its next occurrence comes due.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "./taskcal.yaml", "path to YAML config (created with defaults if missing)")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "optional dotenv file loaded before environment overrides")

	web.Version = version

	root.AddCommand(
		newServeCmd(opts),
		newOnceCmd(opts),
		newTaskCmd(opts),
		newNextCmd(opts),
		newMCPCmd(opts),
	)
	return root
}

// loadConfig loads the YAML config, applies .env and environment
// overrides, validates the result and configures logging.
func loadConfig(opts *rootOptions) (*config.Config, config.Timings, error) {
	if opts.envFile != "" {
		if err := godotenv.Load(opts.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			appLog.Warn("failed to load env file", "path", opts.envFile, "err", err.Error())
		}
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, config.Timings{}, fmt.Errorf("load config %s: %w", opts.configPath, err)
	}
	cfg.ApplyEnv(os.LookupEnv)
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, config.Timings{}, fmt.Errorf("invalid config %s: %w", opts.configPath, err)
	}
	appLog.Configure(cfg.Log.Level, cfg.Log.Format)

	tm, err := cfg.Timings()
	if err != nil {
		return nil, config.Timings{}, err
	}
	return cfg, tm, nil
}

// readVEvent reads a schedule fragment from a file, or from in when path
// is "-".
func readVEvent(path string, in io.Reader) (string, error) {
	if path == "" {
		return "", errors.New("--vevent is required (file path or - for stdin)")
	}
	var (
		b   []byte
		err error
	)
	if path == "-" {
		b, err = io.ReadAll(in)
	} else {
		b, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("read schedule: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}
