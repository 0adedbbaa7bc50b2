// Package console is the terminal front end shared by the installer and the launcher.
package console

import (
	"fmt"
	"io"
	"sync"

	"github.com/AlecAivazis/survey/v2"
	"github.com/AlecAivazis/survey/v2/terminal"
	"github.com/mattn/go-isatty"
	log "github.com/sirupsen/logrus"

	"github.com/clickstart/clickstart/internal/progress"
)

const eventBuffer = 64

var (
	askOne     = survey.AskOne
	isTerminal = func(fd uintptr) bool {
		return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
	}
)

// Console is the observer of a command line run. Events are logged, the messages a user
// has to see are printed to out and, for unattended runs, sub tasks with a known amount
// of work get a progress bar on out. Rendering happens on its own goroutine so the worker never waits
// for the terminal.
type Console struct {
	events *progress.Channel
	bar    *progress.Bar
	done   chan struct{}
	once   sync.Once
}

// New starts a console rendering to out. The progress bar is drawn only when withBar is
// set. Close must be called before the process exits.
func New(out io.Writer, withBar bool) *Console {
	c := &Console{
		events: progress.NewChannel(eventBuffer),
		done:   make(chan struct{}),
	}
	var bar progress.Observer
	if withBar {
		c.bar = progress.NewBar(out)
		bar = c.bar
	}
	render := progress.Multi(progress.Log, bar, &printer{out: out})
	go func() {
		defer close(c.done)
		for e := range c.events.Events() {
			render.Notify(e)
		}
	}()
	return c
}

func (c *Console) Notify(e progress.Event) {
	c.events.Notify(e)
}

// Close renders the pending events and finishes the progress bar. Events sent after
// Close are dropped.
func (c *Console) Close() {
	c.once.Do(func() {
		c.events.Close()
		<-c.done
		if c.bar != nil {
			c.bar.Finish()
		}
	})
}

type printer struct {
	out io.Writer
}

func (p *printer) Notify(e progress.Event) {
	switch e.Kind {
	case progress.AppInfo:
		if e.Vendor != "" {
			fmt.Fprintf(p.out, "Installing %s by %s\n", e.Name, e.Vendor)
		} else {
			fmt.Fprintf(p.out, "Installing %s\n", e.Name)
		}
	case progress.Waiting:
		fmt.Fprintf(p.out, "Waiting: %s. Press Ctrl+C to cancel.\n", e.Message)
	case progress.LauncherInstalled:
		fmt.Fprintln(p.out, "The launcher has been installed.")
	case progress.Updated:
		fmt.Fprintln(p.out, e.Message)
	case progress.Error:
		fmt.Fprintf(p.out, "Error: %s\n", e.Message)
	}
}

// Confirm asks question on the terminal behind in and out. Without a terminal, or when
// the prompt is interrupted, the question is declined.
func Confirm(in io.Reader, out io.Writer, question string) bool {
	fin, ok := in.(terminal.FileReader)
	if !ok || !isTerminal(fin.Fd()) {
		log.Infof("no terminal to ask %q, declining", question)
		return false
	}
	fout, ok := out.(terminal.FileWriter)
	if !ok {
		log.Infof("no terminal to ask %q, declining", question)
		return false
	}

	confirmed := false
	prompt := &survey.Confirm{Message: question}
	if err := askOne(prompt, &confirmed, survey.WithStdio(fin, fout, out)); err != nil {
		log.Warnf("failed to ask %q: %v", question, err)
		return false
	}
	return confirmed
}
