package connloop

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestLoop() *Loop {
	return New(Config{MaxConnections: 3}, nil)
}

func TestComputeDelayNoHistoryIsMinDelay(t *testing.T) {
	l := newTestLoop()
	require.Equal(t, minDelay, l.computeDelay())
}

func TestComputeDelayDoublesOnConsecutiveFailures(t *testing.T) {
	l := newTestLoop()
	l.history = []outcome{{ok: false}}
	require.Equal(t, minDelay, l.computeDelay())

	l.history = []outcome{{ok: false}, {ok: false}}
	require.Equal(t, 2*minDelay, l.computeDelay())

	l.history = []outcome{{ok: false}, {ok: false}, {ok: false}}
	require.Equal(t, 4*minDelay, l.computeDelay())
}

func TestComputeDelayCapsAtMaxDelay(t *testing.T) {
	l := newTestLoop()
	for i := 0; i < 20; i++ {
		l.history = append(l.history, outcome{ok: false})
	}
	require.Equal(t, maxDelay, l.computeDelay())
}

func TestComputeDelaySingleOKRecordUsesDurationOverMaxConnections(t *testing.T) {
	l := newTestLoop()
	l.history = []outcome{{ok: true, duration: 300 * time.Millisecond}}
	require.Equal(t, 100*time.Millisecond, l.computeDelay())
}

func TestComputeDelayResetsOnRecovery(t *testing.T) {
	l := newTestLoop()
	l.history = []outcome{{ok: false}, {ok: true, duration: time.Second}}
	require.Equal(t, minDelay, l.computeDelay())
}

func TestComputeDelayUsesMedianOfOKDurations(t *testing.T) {
	l := newTestLoop()
	l.history = []outcome{
		{ok: true, duration: 90 * time.Millisecond},
		{ok: true, duration: 300 * time.Millisecond},
		{ok: true, duration: 150 * time.Millisecond},
	}
	// median of {90,150,300} = 150; /3 connections = 50ms.
	require.Equal(t, 50*time.Millisecond, l.computeDelay())
}

func TestHistoryPrunedToWindowSize(t *testing.T) {
	l := newTestLoop()
	for i := 0; i < historyWindow+5; i++ {
		l.history = append(l.history, outcome{ok: true, duration: time.Millisecond})
		if len(l.history) > historyWindow {
			l.history = l.history[len(l.history)-historyWindow:]
		}
	}
	require.Len(t, l.history, historyWindow)
}

func TestSendCoalescesBursts(t *testing.T) {
	l := newTestLoop()
	l.Send()
	l.Send()
	l.Send()
	select {
	case <-l.sendCh:
	default:
		t.Fatal("expected at least one coalesced send")
	}
	select {
	case <-l.sendCh:
		t.Fatal("expected sends to coalesce into one pending signal")
	default:
	}
}
