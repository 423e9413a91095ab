package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/we-ensemble/internal/archive"
	"github.com/we-ensemble/internal/dispatch"
	"github.com/we-ensemble/internal/propagator"
	"github.com/we-ensemble/internal/repository"
	"github.com/we-ensemble/internal/sim"
	"github.com/we-ensemble/internal/storage"
	"github.com/we-ensemble/internal/system"
	"github.com/we-ensemble/pkg/compression"
	"github.com/we-ensemble/pkg/config"
	apperrors "github.com/we-ensemble/pkg/errors"
	"github.com/we-ensemble/pkg/telemetry"
	"github.com/we-ensemble/pkg/utils"
)

var (
	runMaster     bool
	runWorker     bool
	runNWorkers   int
	runMasterHost string
	runAnnPort    int
	runTaskPort   int
	runBlocksize  int
	runIterations int
	runSerial     bool
	runSegments   int
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the simulation",
	Long: `Run weighted-ensemble iterations. In master mode (the default) this
process owns the archive, drives the simulation loop, and dispatches
propagation to workers; --worker turns the process into a dedicated worker
listening for a master's announcements.`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolVar(&runMaster, "master", false, "Run as the master (default)")
	runCmd.Flags().BoolVar(&runWorker, "worker", false, "Run as a dedicated worker")
	runCmd.MarkFlagsMutuallyExclusive("master", "worker")

	runCmd.Flags().IntVarP(&runNWorkers, "n-workers", "n", 0,
		"Worker processes on this host; 0 keeps the config value")
	runCmd.Flags().StringVarP(&runMasterHost, "host", "H", "", "Master host")
	runCmd.Flags().IntVar(&runAnnPort, "aport", 0, "Announcement channel port")
	runCmd.Flags().IntVar(&runTaskPort, "tport", 0, "Task channel port")
	runCmd.Flags().IntVar(&runBlocksize, "blocksize", 0, "Segments per task envelope")
	runCmd.Flags().IntVar(&runIterations, "iterations", 1, "Iterations to run")
	runCmd.Flags().IntVar(&runSegments, "segments", 8, "Initial segment population")
	runCmd.Flags().BoolVar(&runSerial, "serial", false, "Propagate in-process, no channels")
}

// applyFlags folds command-line overrides into the work-manager config.
func applyFlags(cfg *config.Config) {
	if runWorker {
		cfg.WorkManager.Mode = "worker"
	} else if runMaster {
		cfg.WorkManager.Mode = "master"
	}
	if runNWorkers > 0 {
		cfg.WorkManager.NWorkers = runNWorkers
	}
	if runMasterHost != "" {
		cfg.WorkManager.MasterHost = runMasterHost
	}
	if runAnnPort > 0 {
		cfg.WorkManager.AnnPort = runAnnPort
	}
	if runTaskPort > 0 {
		cfg.WorkManager.TaskPort = runTaskPort
	}
	if runBlocksize > 0 {
		cfg.WorkManager.Blocksize = runBlocksize
	}
}

// resolveMasterIP turns the configured host into an IP address; the channel
// transports want addresses, not names.
func resolveMasterIP(host string) (string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return host, nil
	}
	addrs, err := net.LookupIP(host)
	if err != nil {
		return "", apperrors.Wrapf(apperrors.CodeConfigError, err, "resolve master host %s", host)
	}
	for _, addr := range addrs {
		if ipv4 := addr.To4(); ipv4 != nil {
			return ipv4.String(), nil
		}
	}
	return "", apperrors.Newf(apperrors.CodeConfigError, "master host %s has no IPv4 address", host)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyFlags(cfg)
	log := GetLogger()

	ctx := context.Background()
	shutdownTelemetry, err := telemetry.Init(ctx)
	if err != nil {
		log.Warn("telemetry init failed: %v", err)
	} else {
		defer shutdownTelemetry(ctx)
	}

	masterIP, err := resolveMasterIP(cfg.WorkManager.MasterHost)
	if err != nil {
		return err
	}

	if cfg.WorkManager.Mode == "worker" {
		return runWorkerMode(cfg, masterIP, log)
	}
	return runMasterMode(ctx, cfg, masterIP, log)
}

func runWorkerMode(cfg *config.Config, masterIP string, log utils.Logger) error {
	nprocs := cfg.WorkManager.NWorkers
	if nprocs < 1 {
		return apperrors.New(apperrors.CodeConfigError,
			"a dedicated worker needs at least one worker process (-n)")
	}

	worker := dispatch.NewWorker(&dispatch.WorkerConfig{
		AnnEndpoint: cfg.WorkManager.AnnEndpoint(masterIP),
		NProcs:      nprocs,
	}, propagator.NewRandomWalk(), dispatch.WithWorkerLogger(log.WithField("component", "worker")))

	if err := worker.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan error, 1)
	go func() { done <- worker.Wait() }()

	select {
	case sig := <-sigCh:
		log.Info("received %s, shutting down", sig)
		worker.Shutdown()
		<-done
		return apperrors.ErrInterrupted
	case err := <-done:
		return err
	}
}

func runMasterMode(ctx context.Context, cfg *config.Config, masterIP string, log utils.Logger) error {
	sys, err := system.New(&cfg.System)
	if err != nil {
		return err
	}

	arch := archive.New(cfg.Data.ArchivePath,
		archive.WithIterPrec(cfg.Data.IterPrec),
		archive.WithSystem(sys),
		archive.WithLogger(log.WithField("component", "archive")))

	// A missing archive file is prepared on the spot.
	if _, statErr := os.Stat(cfg.Data.ArchivePath); os.IsNotExist(statErr) {
		if err := arch.Open("w"); err != nil {
			return err
		}
		if err := arch.Prepare(); err != nil {
			arch.Close()
			return err
		}
		if err := arch.Close(); err != nil {
			return err
		}
		log.Info("prepared new archive %s", cfg.Data.ArchivePath)
	}

	var opts []sim.Option
	opts = append(opts, sim.WithLogger(log.WithField("component", "sim")))

	if cfg.Database.Enabled {
		runLog, err := repository.NewRunLog(&cfg.Database)
		if err != nil {
			return err
		}
		defer runLog.Close()
		opts = append(opts, sim.WithRunLog(runLog))
	}

	if cfg.Storage.Enabled {
		store, err := storage.NewArchiveStore(&cfg.Storage)
		if err != nil {
			return err
		}
		alg, err := compression.ParseAlgorithm(cfg.Storage.Compression)
		if err != nil {
			return err
		}
		codec, err := compression.NewCodec(alg, compression.LevelDefault)
		if err != nil {
			return err
		}
		opts = append(opts, sim.WithShipper(storage.NewShipper(store, codec,
			log.WithField("component", "shipper"))))
	}

	var wm dispatch.WorkManager
	var master *dispatch.Master
	var localWorker *dispatch.Worker

	if runSerial {
		wm = dispatch.NewSerialWorkManager(propagator.NewRandomWalk(), arch,
			cfg.WorkManager.Blocksize, log.WithField("component", "workmanager"))
	} else {
		master = dispatch.NewMaster(&dispatch.MasterConfig{
			AnnEndpoint:      cfg.WorkManager.AnnEndpoint(masterIP),
			TaskEndpoint:     cfg.WorkManager.TaskEndpoint(masterIP),
			CheckInterval:    secondsToDuration(cfg.WorkManager.CheckInterval),
			AnnounceInterval: secondsToDuration(cfg.WorkManager.AnnounceInterval),
			AbortInterval:    secondsToDuration(cfg.WorkManager.AbortInterval),
		}, dispatch.WithMasterLogger(log.WithField("component", "master")))
		if err := master.Start(); err != nil {
			return err
		}

		// Co-located workers share this process instead of forking.
		if cfg.WorkManager.NWorkers > 0 {
			localWorker = dispatch.NewWorker(&dispatch.WorkerConfig{
				AnnEndpoint: cfg.WorkManager.AnnEndpoint(masterIP),
				NProcs:      cfg.WorkManager.NWorkers,
			}, propagator.NewRandomWalk(), dispatch.WithWorkerLogger(log.WithField("component", "worker")))
			if err := localWorker.Start(); err != nil {
				master.Shutdown(dispatch.ExitInternal)
				master.Wait()
				return err
			}
		}

		wm = dispatch.NewZMQWorkManager(master, arch, cfg.WorkManager.Blocksize,
			log.WithField("component", "workmanager"))
	}

	mgr := sim.New(&sim.Config{InitialSegments: runSegments}, arch, sys, wm, opts...)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	interrupted := make(chan os.Signal, 1)
	go func() {
		if sig, ok := <-sigCh; ok {
			interrupted <- sig
			cancel()
			// A submitter blocked on results only wakes when the master
			// stops, so the interrupt must reach the dispatcher too.
			if master != nil {
				master.Shutdown(dispatch.ExitInterrupted)
			}
		}
	}()

	runErr := mgr.Run(runCtx, runIterations)

	exitCode := dispatch.ExitClean
	select {
	case sig := <-interrupted:
		log.Info("received %s, shutting down", sig)
		exitCode = dispatch.ExitInterrupted
		if runErr == nil {
			runErr = apperrors.ErrInterrupted
		} else {
			runErr = apperrors.Wrap(apperrors.CodeInterrupted, "run interrupted", runErr)
		}
	default:
	}
	signal.Stop(sigCh)

	if master != nil {
		master.Shutdown(exitCode)
		if waitErr := master.Wait(); waitErr != nil && runErr == nil {
			runErr = waitErr
		}
	}
	if localWorker != nil {
		localWorker.Wait()
	}

	if runErr == nil {
		fmt.Printf("completed %d iteration(s); archive at %s\n", runIterations, cfg.Data.ArchivePath)
	}
	return runErr
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
