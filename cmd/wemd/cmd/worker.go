package cmd

import (
	"github.com/spf13/cobra"
)

// workerCmd represents the worker command, a shorthand for run --worker.
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a dedicated worker",
	Long: `Listen for a master's announcements and propagate the segment blocks it
hands out. Equivalent to "run --worker".`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		runWorker = true
		applyFlags(cfg)

		masterIP, err := resolveMasterIP(cfg.WorkManager.MasterHost)
		if err != nil {
			return err
		}
		return runWorkerMode(cfg, masterIP, GetLogger())
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)

	workerCmd.Flags().IntVarP(&runNWorkers, "n-workers", "n", 0,
		"Worker processes on this host; 0 keeps the config value")
	workerCmd.Flags().StringVarP(&runMasterHost, "host", "H", "", "Master host")
	workerCmd.Flags().IntVar(&runAnnPort, "aport", 0, "Announcement channel port")
	workerCmd.Flags().IntVar(&runTaskPort, "tport", 0, "Task channel port")
}
