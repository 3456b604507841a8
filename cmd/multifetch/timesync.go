package main

import (
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/ryabkov82/multifetch/internal/logger"
	"github.com/ryabkov82/multifetch/internal/timesync"
)

func newTimeSyncCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "timesync",
		Short: "Set a sensor's clock to the current UTC time over SSH",
		Long: `Connect to the sensor over SSH and run date --set through sudo with the
current UTC time. The password is read only from the configuration file or
MULTIFETCH_TIMESYNC_PASSWORD; it has no default and no flag.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings := a.cfg.TimeSyncSettings()
			res, err := timesync.Sync(cmd.Context(), settings, logger.ComponentLogger("timesync"))
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), pterm.Success.Sprintfln("%s clock set to %s", res.Host, res.Time.Format(time.RFC3339)))
			if res.Output != "" {
				fmt.Fprintln(cmd.OutOrStdout(), res.Output)
			}
			return nil
		},
	}
	cmd.Flags().String("host", "", "Sensor host name or address")
	cmd.Flags().Int("port", 22, "SSH port")
	cmd.Flags().String("user", "", "SSH user")
	cmd.Flags().String("known-hosts", "", "known_hosts file (default ~/.ssh/known_hosts)")
	cmd.Flags().Bool("insecure-ignore-host-key", false, "Skip host key verification")
	return cmd
}
