package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Moonlight-Companies/gologger/coloransi"
	"github.com/Moonlight-Companies/gologger/logger"
	"github.com/spf13/cobra"

	"memscan/scan"
	"memscan/server"
)

var (
	serveListen   string
	serveScanData string
	serveWorkers  int
	serveChunkMiB int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Expose the scan engine and memory API over HTTP",
	Long: `serve attaches to the target and listens for API requests: scan and
filter passes, result pagination, memory read/write, and suspend/resume.

Another memscan instance can use this API as its read backend via --remote.

Example:
  memscan serve --pid 1234 --listen 127.0.0.1:8642`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&serveListen, "listen", "l", "",
		"Listen address (host:port)")
	serveCmd.Flags().StringVar(&serveScanData, "scan-data", "",
		"Directory for unknown-scan region dump files")
	serveCmd.Flags().IntVar(&serveWorkers, "workers", 0,
		"Parallel read workers (0 for one per CPU)")
	serveCmd.Flags().IntVar(&serveChunkMiB, "chunk-mib", 0,
		"Largest single memory read in MiB")

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveListen != "" {
		cfg.Listen = serveListen
	}
	if serveScanData != "" {
		cfg.ScanData = serveScanData
	}
	if serveWorkers > 0 {
		cfg.Workers = serveWorkers
	}
	if serveChunkMiB > 0 {
		cfg.ChunkMiB = serveChunkMiB
	}

	backend, rc, closeBackend, err := newBackend(cfg)
	if err != nil {
		return err
	}
	defer closeBackend()

	reg := scan.NewRegistry(cfg.ScanData)
	engine := scan.NewEngine(backend, reg, rc)

	mux := http.NewServeMux()
	server.New(backend, engine).RegisterRoutes(mux)

	log := logger.NewLogger(coloransi.Color(coloransi.ColorTeal, coloransi.ColorOrange, "serve"))
	log.Infoln("Listening on", cfg.Listen, "for target PID", backend.GetPID())

	srv := &http.Server{Addr: cfg.Listen, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case sig := <-sigCh:
		log.Warn("Received ", sig, ", shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	}
}
