// Package metrics counts what the messenger core does: dials, live
// connections, frames on the wire, dropped frames, stored messages.
// Counters are atomics; a snapshot can be written as JSON on an
// interval for outside inspection.
package metrics

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
)

type Snapshot struct {
	GeneratedAt time.Time         `json:"generated_at"`
	Connections ConnectionMetrics `json:"connections"`
	Frames      FrameMetrics      `json:"frames"`
	Storage     StorageMetrics    `json:"storage"`
}

type ConnectionMetrics struct {
	DialAttempts uint64 `json:"dial_attempts"`
	DialFailures uint64 `json:"dial_failures"`
	DialTimeouts uint64 `json:"dial_timeouts"`
	Opened       uint64 `json:"opened"`
	Closed       uint64 `json:"closed"`
	Live         uint64 `json:"live"`
}

type FrameMetrics struct {
	Sent           uint64 `json:"sent"`
	Received       uint64 `json:"received"`
	DroppedUnknown uint64 `json:"dropped_unknown_type"`
	DroppedInvalid uint64 `json:"dropped_invalid"`
	Introductions  uint64 `json:"introductions"`
}

type StorageMetrics struct {
	MessagesStored uint64 `json:"messages_stored"`
	PendingFlushed uint64 `json:"pending_flushed"`
	WriteFailures  uint64 `json:"write_failures"`
}

type Metrics struct {
	dialAttempts   atomic.Uint64
	dialFailures   atomic.Uint64
	dialTimeouts   atomic.Uint64
	connsOpened    atomic.Uint64
	connsClosed    atomic.Uint64
	connsLive      atomic.Uint64
	framesSent     atomic.Uint64
	framesReceived atomic.Uint64
	droppedUnknown atomic.Uint64
	droppedInvalid atomic.Uint64
	introductions  atomic.Uint64
	messagesStored atomic.Uint64
	pendingFlushed atomic.Uint64
	writeFailures  atomic.Uint64
}

func New() *Metrics { return &Metrics{} }

func (m *Metrics) IncDialAttempts()   { m.dialAttempts.Add(1) }
func (m *Metrics) IncDialFailures()   { m.dialFailures.Add(1) }
func (m *Metrics) IncDialTimeouts()   { m.dialTimeouts.Add(1) }
func (m *Metrics) IncConnsOpened()    { m.connsOpened.Add(1) }
func (m *Metrics) IncConnsClosed()    { m.connsClosed.Add(1) }

func (m *Metrics) SetConnsLive(n uint64) { m.connsLive.Store(n) }

func (m *Metrics) IncFramesSent()     { m.framesSent.Add(1) }
func (m *Metrics) IncFramesReceived() { m.framesReceived.Add(1) }
func (m *Metrics) IncDroppedUnknown() { m.droppedUnknown.Add(1) }
func (m *Metrics) IncDroppedInvalid() { m.droppedInvalid.Add(1) }
func (m *Metrics) IncIntroductions()  { m.introductions.Add(1) }
func (m *Metrics) IncMessagesStored() { m.messagesStored.Add(1) }
func (m *Metrics) IncPendingFlushed() { m.pendingFlushed.Add(1) }
func (m *Metrics) IncWriteFailures()  { m.writeFailures.Add(1) }

func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Connections: ConnectionMetrics{
			DialAttempts: m.dialAttempts.Load(),
			DialFailures: m.dialFailures.Load(),
			DialTimeouts: m.dialTimeouts.Load(),
			Opened:       m.connsOpened.Load(),
			Closed:       m.connsClosed.Load(),
			Live:         m.connsLive.Load(),
		},
		Frames: FrameMetrics{
			Sent:           m.framesSent.Load(),
			Received:       m.framesReceived.Load(),
			DroppedUnknown: m.droppedUnknown.Load(),
			DroppedInvalid: m.droppedInvalid.Load(),
			Introductions:  m.introductions.Load(),
		},
		Storage: StorageMetrics{
			MessagesStored: m.messagesStored.Load(),
			PendingFlushed: m.pendingFlushed.Load(),
			WriteFailures:  m.writeFailures.Load(),
		},
	}
}

// WriteSnapshot writes the snapshot atomically via rename.
func (m *Metrics) WriteSnapshot(path string) error {
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	dir, err := os.Open(filepath.Dir(path))
	if err == nil {
		_ = dir.Sync()
		_ = dir.Close()
	}
	return nil
}
