package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/we-ensemble/internal/archive"
	"github.com/we-ensemble/internal/system"
	apperrors "github.com/we-ensemble/pkg/errors"
)

var initForce bool

// initCmd represents the init command
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new simulation archive",
	Long: `Create and prepare a new archive at the configured path: format
version, current iteration set to 1, and a summary table of initial length 1.`,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().BoolVarP(&initForce, "force", "f", false, "Overwrite an existing archive")
}

func runInit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := GetLogger()

	if _, err := os.Stat(cfg.Data.ArchivePath); err == nil && !initForce {
		return apperrors.Newf(apperrors.CodeConfigError,
			"archive %s already exists (use --force to overwrite)", cfg.Data.ArchivePath)
	}

	sys, err := system.New(&cfg.System)
	if err != nil {
		return err
	}

	arch := archive.New(cfg.Data.ArchivePath,
		archive.WithIterPrec(cfg.Data.IterPrec),
		archive.WithSystem(sys),
		archive.WithLogger(log))
	if err := arch.Open("w"); err != nil {
		return err
	}
	defer arch.Close()
	if err := arch.Prepare(); err != nil {
		return err
	}

	log.Info("prepared archive %s (iter_prec=%d, %d bins)",
		cfg.Data.ArchivePath, cfg.Data.IterPrec, sys.NBins())
	fmt.Println(cfg.Data.ArchivePath)
	return nil
}
