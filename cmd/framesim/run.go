package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/vkngwrapper/framealloc/backend/hostmem"
	"github.com/vkngwrapper/framealloc/config"
)

var (
	runFrames      int
	runWorkers     int
	runSlices      int
	runSharedEvery int
	runGPULatency  time.Duration
	runMetricsAddr string
	runDump        bool
)

func init() {
	cmd := newRunCmd()
	cmd.Flags().IntVar(&runFrames, "frames", 120, "Number of frames to simulate")
	cmd.Flags().IntVar(&runWorkers, "workers", 4, "Number of recording goroutines, each with its own frame ring")
	cmd.Flags().IntVar(&runSlices, "slices", 32, "Transient slices each worker allocates per frame")
	cmd.Flags().IntVar(&runSharedEvery, "shared-every", 8, "Allocate a shared slice per worker every N frames (0 disables)")
	cmd.Flags().DurationVar(&runGPULatency, "gpu-latency", time.Millisecond, "Time the simulated GPU takes per frame")
	cmd.Flags().StringVar(&runMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while running")
	cmd.Flags().BoolVar(&runDump, "dump", false, "Print the detailed allocator map as JSON before shutdown")
	rootCmd.AddCommand(cmd)
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the simulated frame loop",
		Long: `The run command records frames on the host-memory backend and reports how many
slices and buffers were needed.

Example:
  framesim run --frames 600 --workers 8
  framesim run --env-file sim.env --metrics-addr :9090
  framesim run --frames 10 --dump`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulation(cmd.OutOrStdout(), simOptions{
				Frames:      runFrames,
				Workers:     runWorkers,
				Slices:      runSlices,
				SharedEvery: runSharedEvery,
				GPULatency:  runGPULatency,
			})
		},
	}
	return cmd
}

func loadConfig() (config.Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return config.Config{}, errors.Wrapf(err, "failed to load %s", envFile)
		}
	}
	return config.Load(config.DefaultPrefix)
}

func runSimulation(out io.Writer, options simOptions) error {
	if options.Frames < 1 {
		return errors.New("--frames must be at least 1")
	}
	if options.Workers < 1 {
		return errors.New("--workers must be at least 1")
	}
	if options.Slices < 0 || options.SharedEvery < 0 {
		return errors.New("--slices and --shared-every must not be negative")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	level := cfg.SlogLevel()
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if runMetricsAddr != "" {
		server := &http.Server{Addr: runMetricsAddr, Handler: promhttp.Handler()}
		go func() {
			logger.Info("Starting metrics server", "address", runMetricsAddr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Failed to start metrics server", "error", err)
			}
		}()
		defer server.Shutdown(context.Background())
	}

	device, err := hostmem.New(logger, hostmem.Options{
		ChunkSize: cfg.HeapChunkSize,
		Budget:    cfg.HeapBudget,
		Alignment: cfg.Alignment,
	})
	if err != nil {
		return err
	}

	var dump io.Writer
	if runDump {
		dump = out
	}

	start := time.Now()
	report, simErr := simulate(logger, device, cfg, options, dump)
	elapsed := time.Since(start)
	if dump != nil {
		fmt.Fprintln(out)
	}

	if err := device.Destroy(); err != nil {
		simErr = errors.CombineErrors(simErr, errors.Wrap(err, "host-memory device leaked"))
	}

	printReport(out, report, elapsed)
	return simErr
}

func printReport(out io.Writer, report simReport, elapsed time.Duration) {
	fmt.Fprintf(out, "frames:            %d\n", report.Frames)
	fmt.Fprintf(out, "transient slices:  %d\n", report.TransientSlices)
	fmt.Fprintf(out, "shared slices:     %d\n", report.SharedSlices)
	fmt.Fprintf(out, "buffers created:   %d\n", report.BuffersCreated)
	fmt.Fprintf(out, "peak memory:       %d bytes\n", report.PeakUsedBytes)
	fmt.Fprintf(out, "shared buffers:    %d (%d bytes) at the last frame\n", report.Statistics.BlockCount, report.Statistics.BlockBytes)
	if report.Frames > 0 {
		fmt.Fprintf(out, "time per frame:    %s\n", elapsed/time.Duration(report.Frames))
	}
}
