package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/jobgate/evalpulse/am"
	"github.com/jobgate/evalpulse/errors"
	"github.com/jobgate/evalpulse/logger"
	"github.com/jobgate/evalpulse/server"
	"github.com/jobgate/evalpulse/sym"
)

// ServerCmd starts the relay server
var ServerCmd = &cobra.Command{
	Use:     "server",
	Aliases: []string{"serve"},
	Short:   sym.Relay + " Run the evaluation relay for browser clients",
	Long: `Run a local relay that starts evaluations over HTTP and streams poll progress
to browser clients over a websocket. Poll defaults follow config file edits.`,
	RunE: runServer,
}

var (
	serverPort     int
	serverNoWatch  bool
	serverNoBanner bool
)

func init() {
	ServerCmd.Flags().IntVar(&serverPort, "port", 0, "Port to listen on (default from server.port)")
	ServerCmd.Flags().BoolVar(&serverNoWatch, "no-watch", false, "Do not reload poll defaults on config changes")
	ServerCmd.Flags().BoolVar(&serverNoBanner, "no-banner", false, "Skip the startup banner")
}

// watchedConfigPath picks the config file whose edits are applied live
func watchedConfigPath() string {
	if files := am.LoadedFiles(); len(files) > 0 {
		return files[len(files)-1]
	}
	if path := am.GetUserConfigPath(); path != "" {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

func runServer(cmd *cobra.Command, args []string) error {
	// Server defaults to Info even without -v
	verbosity, _ := cmd.Flags().GetCount("verbose")
	if verbosity == 0 {
		verbosity = 1
	}
	if err := logger.InitializeFromEnv(verbosity); err != nil {
		return errors.Wrap(err, "failed to initialize logger")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	port := cfg.GetServerPort()
	if serverPort != 0 {
		port = serverPort
	}

	rt, err := newRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	srv := server.New(rt.tracker, rt.journal, cfg.Server, logger.ComponentLogger("server"))

	if !serverNoWatch {
		if path := watchedConfigPath(); path != "" {
			if err := srv.WatchConfig(path); err != nil {
				rt.log.Warnw("Config watcher unavailable", logger.FieldError, err)
			}
		}
	}

	if !serverNoBanner {
		pterm.DefaultSection.Println(sym.Relay + " evalpulse relay")
		pterm.Info.Printfln("Backend:  %s", cfg.Backend.BaseURL)
		pterm.Info.Printfln("Polling:  every %s, at most %d attempts", cfg.Poll.Interval(), cfg.Poll.MaxAttempts)
		if rt.journal != nil {
			pterm.Info.Printfln("Journal:  %s", cfg.Journal.Path)
		}
		pterm.Info.Printfln("Listening on port %d (or the next free one)", port)
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.ListenAndServe(port)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		return errors.Wrap(err, "relay stopped unexpectedly")
	case <-sigChan:
		pterm.Info.Println("\nShutting down gracefully (press Ctrl+C again to force)...")

		ctx, cancel := context.WithTimeout(context.Background(), server.ShutdownTimeout)
		defer cancel()
		shutdownDone := make(chan error, 1)
		go func() {
			shutdownDone <- srv.Stop(ctx)
		}()

		select {
		case err := <-shutdownDone:
			if err != nil {
				return errors.Wrap(err, "shutdown error")
			}
			pterm.Success.Println("Relay stopped cleanly")
			return nil
		case <-sigChan:
			pterm.Warning.Println("\nForce shutdown - exiting immediately")
			os.Exit(1)
			return nil
		}
	}
}
