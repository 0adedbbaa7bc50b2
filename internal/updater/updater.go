// Package updater is the launcher side state machine. It runs the installed
// application and, when the application asks for it, replaces the launcher bundle and
// starts a fresh launcher process.
package updater

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/clickstart/clickstart/internal/descriptor"
	"github.com/clickstart/clickstart/internal/downloader"
	"github.com/clickstart/clickstart/internal/failure"
	"github.com/clickstart/clickstart/internal/installer"
	"github.com/clickstart/clickstart/internal/lock"
	"github.com/clickstart/clickstart/internal/paths"
	"github.com/clickstart/clickstart/internal/progress"
	"github.com/clickstart/clickstart/internal/registrar"
	"github.com/clickstart/clickstart/internal/trust"
)

const (
	// ExitUpdate is returned by the application launcher when a newer bundle must be
	// installed before it can run.
	ExitUpdate = 42
	// ExitFailure is returned when the orchestrator fails.
	ExitFailure = -1
)

// State is the position of the orchestrator in the update cycle.
type State int

const (
	LaunchDirect State = iota
	UpdateRequired
	WaitingForLock
	ApplyingUpdate
	Restarting
	Failed
	Done
)

func (s State) String() string {
	switch s {
	case LaunchDirect:
		return "LAUNCH_DIRECT"
	case UpdateRequired:
		return "UPDATE_REQUIRED"
	case WaitingForLock:
		return "WAITING_FOR_LOCK"
	case ApplyingUpdate:
		return "APPLYING_UPDATE"
	case Restarting:
		return "RESTARTING"
	case Failed:
		return "FAILED"
	case Done:
		return "DONE"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Orchestrator runs one launcher invocation.
type Orchestrator struct {
	layout         paths.Layout
	descriptorPath string
	executable     string
	args           []string

	observer  progress.Observer
	runner    Runner
	restarter Restarter
	registrar registrar.Registrar
	results   *ResultHandler
	client    *http.Client

	pollInterval time.Duration
	lockOptions  []lock.Option

	cancelled atomic.Bool

	mu    sync.Mutex
	state State
	err   error
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithObserver sends progress events to o.
func WithObserver(observer progress.Observer) Option {
	return func(o *Orchestrator) {
		o.observer = observer
	}
}

// WithRunner replaces the runner of the application launcher.
func WithRunner(r Runner) Option {
	return func(o *Orchestrator) {
		o.runner = r
	}
}

// WithRestarter replaces the restarter of the launcher.
func WithRestarter(r Restarter) Option {
	return func(o *Orchestrator) {
		o.restarter = r
	}
}

// WithRegistrar replaces the file based registrar.
func WithRegistrar(r registrar.Registrar) Option {
	return func(o *Orchestrator) {
		o.registrar = r
	}
}

// WithHTTPClient replaces the client pinned to the descriptor certificate.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Orchestrator) {
		o.client = c
	}
}

// WithPollInterval sets the delay between two attempts to acquire the install lock.
func WithPollInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.pollInterval = d
	}
}

// WithLockOptions passes additional options to lock.Acquire.
func WithLockOptions(opts ...lock.Option) Option {
	return func(o *Orchestrator) {
		o.lockOptions = append(o.lockOptions, opts...)
	}
}

// New returns an orchestrator for the application whose local descriptor is at
// descriptorPath. executable and args are used verbatim to start the next launcher
// process after an update.
func New(layout paths.Layout, descriptorPath, executable string, args []string, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		layout:         layout,
		descriptorPath: descriptorPath,
		executable:     executable,
		args:           append([]string(nil), args...),
		observer:       progress.Nop,
		runner:         ExecRunner{},
		restarter:      ExecRestarter{},
		registrar:      registrar.NewFile(layout),
		results:        NewResultHandler(layout.UpdateResultFile()),
		pollInterval:   lock.DefaultPollInterval,
		state:          LaunchDirect,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Err returns the error that moved the orchestrator to FAILED.
func (o *Orchestrator) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

// Cancel aborts a pending wait for the install lock.
func (o *Orchestrator) Cancel() {
	o.cancelled.Store(true)
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	prev := o.state
	o.state = s
	o.mu.Unlock()
	log.Debugf("state %s -> %s", prev, s)
}

func (o *Orchestrator) fail(err error) int {
	o.mu.Lock()
	o.state = Failed
	o.err = err
	o.mu.Unlock()

	log.Errorf("launcher failed: %v", err)
	o.observer.Notify(progress.Event{Kind: progress.Error, Message: err.Error()})
	return ExitFailure
}

// Run launches the application and applies an update when requested. It returns the
// exit code of the process: the application's own code, ExitFailure, or 0 once the
// next launcher process has been started.
func (o *Orchestrator) Run(ctx context.Context) int {
	o.reportPreviousResult()

	o.setState(LaunchDirect)
	code, err := o.runner.Run(ctx, o.layout.ApplicationLauncher(), o.descriptorPath)
	if err != nil {
		return o.fail(failure.Wrap(failure.Internal, "launch application", err))
	}
	if code != ExitUpdate {
		log.Infof("application exited with code %d", code)
		o.setState(Done)
		return code
	}

	o.setState(UpdateRequired)
	log.Info("application requested an update")
	return o.update(ctx)
}

func (o *Orchestrator) update(ctx context.Context) int {
	o.setState(WaitingForLock)
	handle, err := o.acquire(ctx)
	if err != nil {
		return o.fail(err)
	}

	// released on every path, a panic included
	defer func() {
		if err := handle.Release(); err != nil {
			log.Warnf("failed to release install lock: %v", err)
		}
	}()

	o.setState(ApplyingUpdate)
	// only the wait for the lock can be cancelled
	d, err := o.apply(context.WithoutCancel(ctx))
	if err != nil {
		o.writeResult(Result{Error: err.Error(), ExecutedAt: time.Now().UTC()})
		return o.fail(err)
	}

	if err := handle.Release(); err != nil {
		log.Warnf("failed to release install lock: %v", err)
	}
	o.writeResult(Result{Success: true, Version: d.LauncherVersion, ExecutedAt: time.Now().UTC()})

	o.setState(Restarting)
	if err := o.restarter.Restart(o.executable, o.args); err != nil {
		return o.fail(failure.Wrap(failure.Internal, "restart launcher", err))
	}
	return 0
}

func (o *Orchestrator) acquire(ctx context.Context) (*lock.Handle, error) {
	opts := append([]lock.Option{
		lock.OnWait(func(owner lock.Owner) {
			o.observer.Notify(progress.Event{Kind: progress.Waiting, Message: "another operation is in progress"})
		}),
	}, o.lockOptions...)

	return lock.Acquire(ctx, o.layout.LockFile(), o.pollInterval, o.cancelled.Load, opts...)
}

// apply runs while the lock is held. The descriptor is loaded again as another
// process may have replaced it while this one was waiting.
func (o *Orchestrator) apply(ctx context.Context) (*descriptor.Descriptor, error) {
	d, err := descriptor.LoadFile(o.descriptorPath)
	if err != nil {
		return nil, err
	}
	if !d.CanInstallLauncher() {
		return nil, failure.New(failure.ConfigInvalid, "update", fmt.Sprintf("descriptor %s does not allow to install the launcher", o.descriptorPath))
	}

	client := o.client
	if client == nil {
		client = trust.FromDescriptor(d).HTTPClient()
	}
	mgr := downloader.New(client, o.observer)

	if err := installer.ReplaceLauncher(ctx, o.layout, d, mgr, o.observer); err != nil {
		return nil, err
	}

	if d.CanInstallApp() {
		if err := o.registrar.Register(d.AppUID, d, o.layout); err != nil {
			return nil, failure.Wrap(failure.RegistrarFailure, "update", err)
		}
	}
	return d, nil
}

func (o *Orchestrator) writeResult(r Result) {
	if err := o.results.Write(r); err != nil {
		log.Warnf("failed to write update result: %v", err)
	}
}

func (o *Orchestrator) reportPreviousResult() {
	result, ok, err := o.results.Consume()
	if err != nil {
		log.Warnf("failed to read previous update result: %v", err)
		return
	}
	if !ok {
		return
	}
	log.Infof("previous update: %s", result)
	o.observer.Notify(progress.Event{Kind: progress.Updated, Message: result.String()})
}
