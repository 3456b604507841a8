package main

import (
	"os"

	"github.com/cockroachdb/errors"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ryabkov82/multifetch/internal/config"
	"github.com/ryabkov82/multifetch/internal/logger"
)

// flagKeys maps command-line flags onto configuration keys. A flag only
// overrides the configuration when it is given explicitly.
var flagKeys = map[string]string{
	"log-level":                "log.level",
	"json-log":                 "log.json",
	"source":                   "source.kind",
	"timeout":                  "source.timeout",
	"rate-limit":               "source.rate_limit",
	"workers":                  "executor.workers",
	"addr":                     "server.addr",
	"data-root":                "server.data_root",
	"host":                     "timesync.host",
	"port":                     "timesync.port",
	"user":                     "timesync.user",
	"known-hosts":              "timesync.known_hosts_file",
	"insecure-ignore-host-key": "timesync.insecure_ignore_host_key",
}

// app carries state shared by all sub-commands
type app struct {
	configPath string
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "multifetch",
		Short: "Batch waveform acquisition for field seismology campaigns",
		Long: `multifetch fetches waveform data for a list of station time windows
from an Earthworm wave server or an FDSN dataselect service and stores
every window as its own miniSEED file.

Examples:
  multifetch plan campaign.yaml          # Show the planned jobs
  multifetch run campaign.yaml           # Fetch every window
  multifetch serve                       # Accept campaigns over HTTP
  multifetch timesync --host rs.local    # Set the sensor clock to UTC`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd.Flags())
		},
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", "", "Config file (default ./multifetch.toml or ~/.multifetch/config.toml)")
	root.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn, error")
	root.PersistentFlags().Bool("json-log", false, "Write logs as JSON")

	root.AddCommand(
		newRunCmd(a),
		newPlanCmd(),
		newServeCmd(a),
		newTimeSyncCmd(a),
		newVersionCmd(),
	)
	return root
}

// load reads configuration, applies explicit flags and sets up logging
func (a *app) load(flags *pflag.FlagSet) error {
	v := config.NewViper()
	if err := bindFlags(v, flags); err != nil {
		return err
	}
	if err := config.ReadFile(v, a.configPath); err != nil {
		return err
	}
	cfg, err := config.LoadWithViper(v)
	if err != nil {
		return err
	}
	if err := logger.Initialize(cfg.Log.JSON, cfg.Log.Level); err != nil {
		return errors.Wrap(err, "initialize logger")
	}
	a.cfg = cfg
	return nil
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := flags.Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return errors.Wrapf(err, "bind --%s", name)
		}
	}
	return nil
}

func main() {
	err := newRootCmd().Execute()
	logger.Cleanup()
	if err != nil {
		pterm.Error.Println(err)
		for _, hint := range errors.GetAllHints(err) {
			pterm.Info.Println(hint)
		}
		os.Exit(1)
	}
}
