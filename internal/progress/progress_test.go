package progress

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMulti(t *testing.T) {
	first, second := &Recorder{}, &Recorder{}
	o := Multi(first, nil, second)

	Subtask(o, "Preparing...", -1)
	Work(o, 3)

	for _, r := range []*Recorder{first, second} {
		events := r.Events()
		require.Len(t, events, 2)
		assert.Equal(t, SubtaskStarted, events[0].Kind)
		assert.Equal(t, "Preparing...", events[0].Task)
		assert.EqualValues(t, -1, events[0].Total)
		assert.EqualValues(t, 3, events[1].Amount)
	}
}

func TestChannel_DeliversInOrder(t *testing.T) {
	c := NewChannel(0)
	Subtask(c, "Downloading...", 100)
	c.Notify(Event{Kind: Waiting, Message: "busy"})
	c.Notify(Event{Kind: Error, Message: "boom"})
	c.Close()

	var kinds []Kind
	for e := range c.Events() {
		kinds = append(kinds, e.Kind)
	}
	assert.Equal(t, []Kind{SubtaskStarted, Waiting, Error}, kinds)
}

func TestChannel_CoalescesWork(t *testing.T) {
	c := NewChannel(0)
	// nothing is consumed yet, so the pump blocks on the first event and the rest queues
	Subtask(c, "Downloading...", 100)
	for i := 0; i < 10; i++ {
		Work(c, 10)
	}
	c.Close()

	var worked int64
	var workEvents int
	for e := range c.Events() {
		if e.Kind == Worked {
			worked += e.Amount
			workEvents++
		}
	}
	assert.EqualValues(t, 100, worked, "no work is lost")
	assert.LessOrEqual(t, workEvents, 10)
}

func TestChannel_DropsAfterClose(t *testing.T) {
	c := NewChannel(1)
	c.Close()
	Work(c, 1)

	_, open := <-c.Events()
	assert.False(t, open)
}

func TestTransferState(t *testing.T) {
	tr := NewTransfer("https://example.com/launcher.zip")
	snap := tr.Snapshot()
	assert.Equal(t, Pending, snap.Status)
	assert.EqualValues(t, -1, snap.Total)

	tr.Start(10)
	tr.Retarget("/tmp/x.download")
	tr.Advance(4)
	tr.Advance(6)
	snap = tr.Snapshot()
	assert.Equal(t, Downloading, snap.Status)
	assert.EqualValues(t, 10, snap.Offset)
	assert.Equal(t, "DOWNLOADING /tmp/x.download (10/10 bytes)", snap.String())

	tr.Extracting()
	assert.Equal(t, Extracting, tr.Snapshot().Status)
	tr.Installed()
	assert.Equal(t, Installed, tr.Snapshot().Status)

	tr.Fail("disk full")
	snap = tr.Snapshot()
	assert.Equal(t, Failed, snap.Status)
	assert.Equal(t, "FAILED /tmp/x.download: disk full", snap.String())
}

func TestBar(t *testing.T) {
	var out bytes.Buffer
	b := NewBar(&out)

	b.Notify(Event{Kind: SubtaskStarted, Task: "Unpacking...", Total: 3})
	require.NotNil(t, b.bar)
	for i := 0; i < 3; i++ {
		b.Notify(Event{Kind: Worked, Amount: 1})
	}
	b.Notify(Event{Kind: SubtaskStarted, Task: "Preparing...", Total: -1})
	assert.Nil(t, b.bar, "tasks without a total have no bar")
	assert.True(t, strings.Contains(out.String(), "Unpacking..."), out.String())

	b.Finish()
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "waiting", Waiting.String())
	assert.Equal(t, "unknown", Kind(99).String())
	assert.Equal(t, "TransferStatus(9)", TransferStatus(9).String())
}
