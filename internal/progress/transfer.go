package progress

import (
	"fmt"
	"sync"
)

// TransferStatus is the state tag of a TransferState.
type TransferStatus int

const (
	Pending TransferStatus = iota
	Downloading
	Extracting
	Installed
	Failed
)

func (s TransferStatus) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case Downloading:
		return "DOWNLOADING"
	case Extracting:
		return "EXTRACTING"
	case Installed:
		return "INSTALLED"
	case Failed:
		return "FAILED"
	default:
		return fmt.Sprintf("TransferStatus(%d)", int(s))
	}
}

// TransferState tracks one bundle from download to installation. It is owned by the
// component currently working on the bundle; the mutex only protects readers that
// display it.
type TransferState struct {
	mu     sync.Mutex
	target string
	offset int64
	total  int64
	status TransferStatus
	detail string
}

// NewTransfer returns a pending transfer for target.
func NewTransfer(target string) *TransferState {
	return &TransferState{target: target, total: -1}
}

// Start moves the transfer to DOWNLOADING with the expected size, -1 if unknown.
func (t *TransferState) Start(total int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = Downloading
	t.offset = 0
	t.total = total
}

// Advance records n more bytes.
func (t *TransferState) Advance(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.offset += n
}

// Retarget changes the file the transfer refers to.
func (t *TransferState) Retarget(target string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.target = target
}

// Extracting moves the transfer to EXTRACTING.
func (t *TransferState) Extracting() {
	t.set(Extracting, "")
}

// Installed moves the transfer to INSTALLED.
func (t *TransferState) Installed() {
	t.set(Installed, "")
}

// Fail moves the transfer to FAILED with a detail message.
func (t *TransferState) Fail(detail string) {
	t.set(Failed, detail)
}

func (t *TransferState) set(status TransferStatus, detail string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = status
	t.detail = detail
}

// Snapshot is a copy of a TransferState at one point in time.
type Snapshot struct {
	Target string
	Offset int64
	Total  int64
	Status TransferStatus
	Detail string
}

// Snapshot returns the current values.
func (t *TransferState) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		Target: t.target,
		Offset: t.offset,
		Total:  t.total,
		Status: t.status,
		Detail: t.detail,
	}
}

func (s Snapshot) String() string {
	if s.Status == Failed {
		return fmt.Sprintf("%s %s: %s", s.Status, s.Target, s.Detail)
	}
	if s.Total < 0 {
		return fmt.Sprintf("%s %s (%d bytes)", s.Status, s.Target, s.Offset)
	}
	return fmt.Sprintf("%s %s (%d/%d bytes)", s.Status, s.Target, s.Offset, s.Total)
}
