package progress

import (
	"io"
	"sync"

	"github.com/cheggaaa/pb/v3"
	log "github.com/sirupsen/logrus"
)

// Log writes sub tasks, waiting notices and errors to the global logger.
var Log Observer = ObserverFunc(func(e Event) {
	switch e.Kind {
	case SubtaskStarted:
		log.Infof("new task: %s", e.Task)
	case Waiting:
		log.Infof("waiting: %s", e.Message)
	case AppInfo:
		log.Infof("installing %s (%s)", e.Name, e.Vendor)
	case IconLoaded:
		log.Debugf("application icon stored at %s", e.Path)
	case LauncherInstalled:
		log.Info("launcher installed")
	case Updated:
		log.Infof("update result: %s", e.Message)
	case Error:
		log.Errorf("error occurred: %s", e.Message)
	}
})

// Bar renders a progress bar per sub task with a known amount of work. It is used in
// unattended mode where no window shows progress.
type Bar struct {
	mu  sync.Mutex
	w   io.Writer
	bar *pb.ProgressBar
}

// NewBar returns an observer drawing to w.
func NewBar(w io.Writer) *Bar {
	return &Bar{w: w}
}

func (b *Bar) Notify(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch e.Kind {
	case SubtaskStarted:
		b.finish()
		if e.Total <= 0 {
			return
		}
		bar := pb.Full.New(0)
		bar.SetTotal(e.Total)
		bar.SetWriter(b.w)
		bar.Set("prefix", e.Task+" ")
		if e.Bytes {
			bar.Set(pb.Bytes, true)
		}
		b.bar = bar.Start()
	case Worked:
		if b.bar != nil {
			b.bar.Add64(e.Amount)
		}
	case Error, LauncherInstalled:
		b.finish()
	}
}

// Finish completes the bar currently shown, if any.
func (b *Bar) Finish() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.finish()
}

func (b *Bar) finish() {
	if b.bar != nil {
		b.bar.Finish()
		b.bar = nil
	}
}
