package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"certdepot/config"
	"certdepot/internal/depot"
	"certdepot/internal/handlers"
	"certdepot/internal/inventory"
	"certdepot/internal/logger"
	"certdepot/internal/supervisor"
	"certdepot/internal/validation"
	"certdepot/internal/version"
	"certdepot/internal/worker"
)

type serverOptions struct {
	host         string
	port         int
	processCount int
	queue        int
	pidFile      string
	logFile      string
	metricsAddr  string
	strict       bool
	foreground   bool
	inherited    bool
}

func (s *serverOptions) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVarP(&s.host, "host", "H", config.DefaultHost, "IP address or hostname to listen on")
	flags.IntVarP(&s.port, "port", "P", config.DefaultPort, "The port to listen on")
	flags.IntVarP(&s.processCount, "process-count", "n", config.DefaultProcessCount, "The number of worker processes to spawn")
	flags.IntVarP(&s.queue, "max-connection-queue", "q", config.DefaultMaxConnectionQueue, "The number of requests to queue on the server")
	flags.StringVarP(&s.pidFile, "pid-file", "p", "", "The file to store the server PID in (/var/run/depot.pid)")
	flags.StringVarP(&s.logFile, "log-file", "l", "", "The file to store the server log in (/var/log/depot.log)")
	flags.StringVar(&s.metricsAddr, "metrics-addr", "", "Serve the admin HTTP API and metrics on this address")
	flags.BoolVar(&s.strict, "strict", false, "Answer unknown protocol commands with an error line")
}

// resolve loads the configuration and lays the flags the user set over it.
func (s *serverOptions) resolve(cmd *cobra.Command, opts *globalOptions) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	flags := cmd.Flags()
	server := &cfg.Server
	if flags.Changed("host") {
		server.Host = s.host
	}
	if flags.Changed("port") {
		server.Port = s.port
	}
	if flags.Changed("process-count") {
		server.ProcessCount = s.processCount
	}
	if flags.Changed("max-connection-queue") {
		server.MaxConnectionQueue = s.queue
	}
	if flags.Changed("pid-file") {
		server.PIDFile = s.pidFile
	}
	if flags.Changed("log-file") {
		server.LogFile = s.logFile
	}
	if flags.Changed("metrics-addr") {
		server.MetricsAddr = s.metricsAddr
	}
	if flags.Changed("strict") {
		server.StrictProtocol = s.strict
	}
	if !cmd.Flags().Changed("log-level") {
		opts.logLevel = cfg.LogLevel
	}
	if !cmd.Flags().Changed("log-format") {
		opts.logFormat = cfg.LogFormat
	}

	if err := validation.ValidateServerConfig(server.Host, server.Port, server.ProcessCount,
		server.MaxConnectionQueue, server.MetricsAddr); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// serveArgs renders the resolved configuration as flags for a re-executed server.
func serveArgs(path string, cfg config.Config, opts *globalOptions) []string {
	s := cfg.Server
	args := []string{
		"serve", path,
		"--inherited",
		"--host", s.Host,
		"--port", strconv.Itoa(s.Port),
		"--process-count", strconv.Itoa(s.ProcessCount),
		"--max-connection-queue", strconv.Itoa(s.MaxConnectionQueue),
		"--log-level", opts.logLevel,
		"--log-format", opts.logFormat,
	}
	if s.PIDFile != "" {
		args = append(args, "--pid-file", s.PIDFile)
	}
	if s.LogFile != "" {
		args = append(args, "--log-file", s.LogFile)
	}
	if s.MetricsAddr != "" {
		args = append(args, "--metrics-addr", s.MetricsAddr)
	}
	if s.StrictProtocol {
		args = append(args, "--strict")
	}
	return args
}

func workerArgs(path string, strict bool, opts *globalOptions) []string {
	args := []string{"worker", path, "--log-level", opts.logLevel, "--log-format", opts.logFormat}
	if strict {
		args = append(args, "--strict")
	}
	return args
}

func newStartCmd(opts *globalOptions) *cobra.Command {
	s := &serverOptions{}
	cmd := &cobra.Command{
		Use:   "start <path>",
		Short: "Start a server for a depot",
		Long: `Bind the protocol socket and start a supervisor with a pool of worker
processes serving the depot. The server detaches and logs to the log file
unless --foreground is given.`,
		Args: requirePath,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			log := opts.logger(cmd.ErrOrStderr())
			if err := startServer(cmd, s, opts, args[0]); err != nil {
				log.Error().Err(err).Msg("server start failed")
				fmt.Fprintln(out, "[!] Can't start the server")
				return errReported
			}
			return nil
		},
	}
	s.register(cmd)
	cmd.Flags().BoolVarP(&s.foreground, "foreground", "f", false, "Run the server in the foreground")
	return cmd
}

func startServer(cmd *cobra.Command, s *serverOptions, opts *globalOptions, dir string) error {
	cfg, err := s.resolve(cmd, opts)
	if err != nil {
		return err
	}
	path, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	if _, err := depot.Open(path, logger.Nop()); err != nil {
		return err
	}

	ln, err := supervisor.Listen(cfg.Server.Host, cfg.Server.Port, cfg.Server.MaxConnectionQueue)
	if err != nil {
		return err
	}
	listener, err := ln.File()
	_ = ln.Close()
	if err != nil {
		return fmt.Errorf("listener descriptor: %w", err)
	}

	if s.foreground {
		fmt.Fprintln(cmd.OutOrStdout(), "[!] Starting server")
		log, closeLog := serverLogger(cmd, cfg, opts)
		defer closeLog()
		return runServe(cmd.Context(), path, cfg, listener, log, opts)
	}
	defer listener.Close()

	logFile, err := supervisor.OpenLogFile(cfg.Server.LogFileCandidates())
	if err != nil {
		return err
	}
	defer logFile.Close()
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	pid, err := supervisor.Detach(exe, serveArgs(path, cfg, opts), os.Environ(), listener, logFile)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "[!] Starting server")
	logDetached(cmd.ErrOrStderr(), opts, pid, cfg, logFile.Name())
	return nil
}

func logDetached(w io.Writer, opts *globalOptions, pid int, cfg config.Config, logFile string) {
	log := opts.logger(w)
	log.Debug().
		Int("server_pid", pid).
		Str("address", cfg.Server.Address()).
		Str("log_file", logFile).
		Msg("server detached")
}

func newServeCmd(opts *globalOptions) *cobra.Command {
	s := &serverOptions{}
	cmd := &cobra.Command{
		Use:    "serve <path>",
		Short:  "Run the supervisor in this process",
		Hidden: true,
		Args:   requirePath,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := s.resolve(cmd, opts)
			if err != nil {
				return err
			}
			log, closeLog := serverLogger(cmd, cfg, opts)
			defer closeLog()

			var listener *os.File
			if s.inherited {
				listener = os.NewFile(supervisor.ListenerFD, "listener")
			} else {
				ln, err := supervisor.Listen(cfg.Server.Host, cfg.Server.Port, cfg.Server.MaxConnectionQueue)
				if err != nil {
					return err
				}
				listener, err = ln.File()
				_ = ln.Close()
				if err != nil {
					return fmt.Errorf("listener descriptor: %w", err)
				}
			}
			return runServe(cmd.Context(), args[0], cfg, listener, log, opts)
		},
	}
	s.register(cmd)
	cmd.Flags().BoolVar(&s.inherited, "inherited", false, "The listening socket is descriptor 3")
	return cmd
}

// serverLogger builds the supervisor logger, honouring LOG_OUTPUT and
// LOG_FILE_PATH on top of the command's standard error.
func serverLogger(cmd *cobra.Command, cfg config.Config, opts *globalOptions) (logger.Logger, func()) {
	log, closeLog := logger.NewServer(cmd.ErrOrStderr(), opts.logLevel, opts.logFormat, logger.Output{
		Mode:     cfg.LogOutput,
		FilePath: cfg.LogFilePath,
	})
	log.Info().
		Str("version", version.Version).
		Str("commit", version.Commit).
		Msg("depot server starting")
	return log, closeLog
}

// runServe supervises the worker pool on listener until a signal arrives,
// optionally serving the admin surface next to it.
func runServe(ctx context.Context, path string, cfg config.Config, listener *os.File, log logger.Logger, opts *globalOptions) error {
	d, err := depot.Open(path, log)
	if err != nil {
		_ = listener.Close()
		return err
	}
	pidPath, err := supervisor.WritePIDFile(cfg.Server.PIDFileCandidates(), os.Getpid())
	if err != nil {
		_ = listener.Close()
		return err
	}
	exe, err := os.Executable()
	if err != nil {
		_ = listener.Close()
		_ = supervisor.RemovePIDFile(pidPath)
		return err
	}

	spawner := &supervisor.ProcessSpawner{
		Path:     exe,
		Args:     workerArgs(d.Path(), cfg.Server.StrictProtocol, opts),
		Env:      os.Environ(),
		Listener: listener,
	}
	sup := supervisor.New(supervisor.Config{
		ProcessCount: cfg.Server.ProcessCount,
		SleepTimeout: supervisor.DefaultSleepTimeout,
		PIDFile:      pidPath,
	}, listener, spawner, log)

	log.Info().
		Str("depot", d.Label()).
		Str("address", cfg.Server.Address()).
		Str("pid_file", pidPath).
		Msg("server starting")

	if cfg.Server.MetricsAddr != "" {
		source := inventory.NewDepotSource(d, cfg.InventoryTTL)
		defer source.Shutdown()
		srv := &http.Server{
			Addr: cfg.Server.MetricsAddr,
			Handler: handlers.NewRouter(handlers.RouterOptions{
				Config: cfg,
				Label:  d.Label(),
				Source: source,
				Pool:   sup,
				Log:    log.With().Str("component", "admin").Logger(),
			}),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		go func() {
			log.Info().Str("address", srv.Addr).Msg("admin server starting")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("admin server error")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("admin server forced to shutdown")
			}
		}()
	}

	return sup.Run(ctx)
}

func newWorkerCmd(opts *globalOptions) *cobra.Command {
	var strict bool
	cmd := &cobra.Command{
		Use:    "worker <path>",
		Short:  "Serve protocol connections on inherited descriptors",
		Hidden: true,
		Args:   requirePath,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := opts.logger(cmd.ErrOrStderr())
			d, err := depot.Open(args[0], log)
			if err != nil {
				return err
			}
			ln, err := worker.InheritedListener(supervisor.ListenerFD)
			if err != nil {
				return err
			}
			defer ln.Close()
			lifeline := os.NewFile(supervisor.LifelineFD, "lifeline")
			w := worker.New(d, ln, lifeline, log, worker.WithStrictProtocol(strict))
			if err := w.Run(cmd.Context()); err != nil && !errors.Is(err, worker.ErrLifelineSevered) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "Answer unknown protocol commands with an error line")
	return cmd
}

func newStopCmd() *cobra.Command {
	var pidFile string
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("pid-file") {
				cfg.Server.PIDFile = pidFile
			}
			if _, err := supervisor.Stop(cfg.Server.PIDFileCandidates()); err != nil {
				fmt.Fprintln(out, "[!] Can't find a running server")
				return errReported
			}
			fmt.Fprintln(out, "[!] Stopping server")
			return nil
		},
	}
	cmd.Flags().StringVarP(&pidFile, "pid-file", "p", "", "The file the server PID was stored in")
	return cmd
}
