package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/clickstart/clickstart/internal/console"
	"github.com/clickstart/clickstart/internal/failure"
	"github.com/clickstart/clickstart/internal/installer"
	"github.com/clickstart/clickstart/internal/lock"
	"github.com/clickstart/clickstart/internal/paths"
	"github.com/clickstart/clickstart/internal/updater"
	"github.com/clickstart/clickstart/util"
	"github.com/clickstart/clickstart/version"
)

const (
	unattendedFlag     = "unattended"
	uninstallFlag      = "uninstall"
	homeFlag           = "home"
	breakStaleLockFlag = "break-stale-lock"

	defaultLogFileName = "launcher.log"
)

var (
	logLevel       string
	logFile        string
	homeDir        string
	uninstallPath  string
	unattended     bool
	breakStaleLock bool

	// exitCode is the code the process terminates with once the command returns
	exitCode int

	errMissingDescriptor = errors.New("the descriptor of the application to launch is missing")

	rootCmd = &cobra.Command{
		Use:   "clickstart <descriptor>",
		Short: "Launches an installed application and keeps it up to date",
		Long: "Launches the application described by the given local descriptor. When the application " +
			"requests a newer launcher, the launcher bundle is replaced and the launcher restarts itself.",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version.ClickstartVersion(),
		RunE:          run,
	}
)

func init() {
	rootCmd.PersistentPreRunE = preRun

	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "sets the log level")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "sets the log path, defaults to <home>/logs/"+defaultLogFileName+". If console is specified the log will be output to stdout")
	rootCmd.PersistentFlags().StringVar(&homeDir, homeFlag, "", "clickstart home directory, defaults to $"+paths.HomeEnv+" or a directory in the user's home")
	rootCmd.PersistentFlags().BoolVar(&breakStaleLock, breakStaleLockFlag, false, "break an install lock whose owner process is no longer running")

	rootCmd.Flags().BoolVar(&unattended, unattendedFlag, false, "never ask questions")
	rootCmd.Flags().StringVar(&uninstallPath, uninstallFlag, "", "uninstall the application described by the given local descriptor")
}

// Execute executes the root command and returns the exit code of the process.
func Execute() int {
	exitCode = 0
	if err := rootCmd.Execute(); err != nil {
		log.Debugf("launcher failed: %v", err)
		if exitCode == 0 {
			exitCode = updater.ExitFailure
		}
	}
	return exitCode
}

// SetupCloseHandler cancels ctx on SIGINT and SIGTERM
func SetupCloseHandler(ctx context.Context, cancel context.CancelFunc) {
	termCh := make(chan os.Signal, 1)
	signal.Notify(termCh, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		done := ctx.Done()
		select {
		case <-done:
		case <-termCh:
		}

		log.Info("shutdown signal received")
		cancel()
	}()
}

func preRun(cmd *cobra.Command, _ []string) error {
	util.SetFlagsFromEnvVars(rootCmd)
	return nil
}

func run(cmd *cobra.Command, args []string) error {
	if uninstallPath == "" && len(args) != 1 {
		cmd.PrintErrf("Error: %v\nUsage: %s\n", errMissingDescriptor, cmd.UseLine())
		return errMissingDescriptor
	}

	layout, err := paths.Resolve(homeDir)
	if err != nil {
		cmd.PrintErrf("Error: %v\n", err)
		return err
	}

	if err := util.InitLog(logLevel, logPath(layout)); err != nil {
		cmd.PrintErrf("Error: failed to initialize logging: %v\n", err)
		return err
	}

	ctx, cancel := context.WithCancel(util.WithSource(cmd.Context(), util.LauncherSource))
	defer cancel()
	SetupCloseHandler(ctx, cancel)

	observer := console.New(cmd.ErrOrStderr(), unattended)
	defer observer.Close()

	var lockOptions []lock.Option
	if breakStaleLock {
		lockOptions = append(lockOptions, lock.WithStaleOwnerCheck())
	}

	if uninstallPath != "" {
		log.WithContext(ctx).Infof("uninstalling %s", uninstallPath)
		return installer.New(layout, nil,
			installer.WithObserver(observer),
			installer.WithLockOptions(lockOptions...),
		).Uninstall(ctx, uninstallPath)
	}

	executable, err := os.Executable()
	if err != nil {
		cmd.PrintErrf("Error: cannot locate the launcher executable: %v\n", err)
		return err
	}
	// the next process gets exactly the arguments this one was started with
	originalArgs := os.Args[1:]

	descriptorPath := args[0]
	log.WithContext(ctx).Infof("clickstart launcher %s, home %s, launching %s", version.ClickstartVersion(), layout.Home, descriptorPath)

	o := updater.New(layout, descriptorPath, executable, originalArgs,
		updater.WithObserver(observer),
		updater.WithLockOptions(lockOptions...),
	)
	exitCode = o.Run(ctx)
	observer.Close()

	if o.State() != updater.Failed {
		return nil
	}
	if unattended || failure.Is(o.Err(), failure.Cancelled) {
		return o.Err()
	}

	if console.Confirm(cmd.InOrStdin(), cmd.ErrOrStderr(), "The update could not be applied. Retry?") {
		if err := (updater.ExecRestarter{}).Restart(executable, originalArgs); err != nil {
			cmd.PrintErrf("Error: %v\n", err)
			return err
		}
		exitCode = 0
		return nil
	}
	return o.Err()
}

func logPath(layout paths.Layout) string {
	if logFile != "" {
		return logFile
	}
	return filepath.Join(layout.LogsDir, defaultLogFileName)
}
