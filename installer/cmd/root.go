package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/clickstart/clickstart/internal/console"
	"github.com/clickstart/clickstart/internal/descriptor"
	"github.com/clickstart/clickstart/internal/installer"
	"github.com/clickstart/clickstart/internal/lock"
	"github.com/clickstart/clickstart/internal/paths"
	"github.com/clickstart/clickstart/util"
	"github.com/clickstart/clickstart/version"
)

const (
	exitFailure = -1

	showEmbeddedConfigFlag = "show-embedded-config"
	unattendedFlag         = "unattended"
	uninstallFlag          = "uninstall"
	descriptorFlag         = "descriptor"
	homeFlag               = "home"
	breakStaleLockFlag     = "break-stale-lock"

	defaultLogFileName = "installer.log"
)

var (
	logLevel           string
	logFile            string
	homeDir            string
	descriptorPath     string
	uninstallPath      string
	showEmbeddedConfig bool
	unattended         bool
	breakStaleLock     bool

	rootCmd = &cobra.Command{
		Use:   "clickstart-installer",
		Short: "Installs the clickstart launcher and the embedded application",
		Long: "Installs the clickstart launcher and, if the embedded descriptor names one, an application. " +
			"The application is started once the installation succeeded.",
		Args:          cobra.NoArgs,
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

	rootCmd.Flags().BoolVar(&showEmbeddedConfig, showEmbeddedConfigFlag, false, "print the embedded descriptor and exit")
	rootCmd.Flags().BoolVar(&unattended, unattendedFlag, false, "install without asking questions and without starting the application")
	rootCmd.Flags().StringVar(&uninstallPath, uninstallFlag, "", "uninstall the application described by the given local descriptor")
	rootCmd.Flags().StringVar(&descriptorPath, descriptorFlag, "", "install from the given descriptor instead of the embedded one")
	rootCmd.MarkFlagsMutuallyExclusive(showEmbeddedConfigFlag, uninstallFlag)
}

// Execute executes the root command and returns the exit code of the process.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		log.Debugf("installer failed: %v", err)
		return exitFailure
	}
	return 0
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

func run(cmd *cobra.Command, _ []string) error {
	if showEmbeddedConfig {
		return printEmbeddedConfig(cmd.OutOrStdout())
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

	ctx, cancel := context.WithCancel(util.WithSource(cmd.Context(), util.InstallerSource))
	defer cancel()
	SetupCloseHandler(ctx, cancel)

	observer := console.New(cmd.ErrOrStderr(), unattended)
	defer observer.Close()

	opts := []installer.Option{installer.WithObserver(observer)}
	if breakStaleLock {
		opts = append(opts, installer.WithLockOptions(lock.WithStaleOwnerCheck()))
	}

	if uninstallPath != "" {
		log.WithContext(ctx).Infof("uninstalling %s", uninstallPath)
		return installer.New(layout, nil, opts...).Uninstall(ctx, uninstallPath)
	}

	d, err := loadDescriptor()
	if err != nil {
		// Setup reports the configuration dump through the observer
		log.WithContext(ctx).Errorf("cannot load descriptor: %v", err)
		return installer.New(layout, nil, append(opts, installer.WithLoadError(err))...).Setup(ctx)
	}
	ctx = util.WithApp(ctx, d.AppUID)
	log.WithContext(ctx).Infof("clickstart installer %s, home %s, descriptor from %s", version.ClickstartVersion(), layout.Home, d.Source)

	inst := installer.New(layout, d, opts...)
	if err := inst.Setup(ctx); err != nil {
		return err
	}
	log.WithContext(ctx).Info("setup finished")

	if unattended || !d.CanInstallApp() {
		return nil
	}
	return inst.Launch()
}

func logPath(layout paths.Layout) string {
	if logFile != "" {
		return logFile
	}
	return filepath.Join(layout.LogsDir, defaultLogFileName)
}

func loadDescriptor() (*descriptor.Descriptor, error) {
	if descriptorPath != "" {
		return descriptor.LoadFile(descriptorPath)
	}
	return descriptor.Embedded()
}

func printEmbeddedConfig(w io.Writer) error {
	d, err := loadDescriptor()
	if err != nil {
		fmt.Fprintf(w, "Embedded configuration is invalid: %v\n\n%s\n", err, descriptor.EmbeddedText())
		return err
	}

	fmt.Fprintln(w, "Embedded configuration data:")
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(d.Summary()); err != nil {
		return errors.Join(err, enc.Close())
	}
	return enc.Close()
}
