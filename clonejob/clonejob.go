// Copyright © 2018 Intel Corporation
//
// SPDX-License-Identifier: GPL-3.0-only

// Package clonejob drives a source and a sink Stream through the clone/
// restore state machine: a single worker goroutine pumps bytes scope by
// scope and posts status, progress and error notifications on a channel,
// the way the teacher drives a long-running operation off a single
// goroutine rather than a thread-pool event loop.
package clonejob

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/clearlinux/dim/diskstream"
	"github.com/clearlinux/dim/dimerrors"
	"github.com/clearlinux/dim/log"
	"github.com/clearlinux/dim/osadapter"
)

// Status is the clone job's state, following spec.md §4.5's state machine:
// Stopped -> Started -> (Clone_Head? -> Clone_PartitionTable? ->
// Clone_Partition x N -> Save_Info -> Fix_Boot) -> Stopped | Failed
type Status int

const (
	// Stopped is the initial and final successful/aborted state
	Stopped Status = iota
	// Started marks the job beginning, before any scope is opened
	Started
	// CloneHead is in progress on the Head scope
	CloneHead
	// ClonePartitionTable is in progress on the PartitionTable scope
	ClonePartitionTable
	// ClonePartition is in progress on a Partition(i) scope
	ClonePartition
	// SaveInfo is writing the JsonInfo scope
	SaveInfo
	// FixBoot is running the post-clone best-effort Fix_Boot step
	FixBoot
	// Failed is a terminal error state
	Failed
)

func (s Status) String() string {
	switch s {
	case Stopped:
		return "Stopped"
	case Started:
		return "Started"
	case CloneHead:
		return "Clone_Head"
	case ClonePartitionTable:
		return "Clone_PartitionTable"
	case ClonePartition:
		return "Clone_Partition"
	case SaveInfo:
		return "Save_Info"
	case FixBoot:
		return "Fix_Boot"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Event is posted on the job's notification channel. Progress events carry
// Progress and ETA, a failed event carries Err and Message, and an aborted
// Stopped event carries only Message.
type Event struct {
	Status   Status
	Progress float64 // in [0,1]
	ETA      time.Duration
	Err      error // non-nil only for a failed event
	Message  string
}

// ScopeStep is one entry in the ordered sequence of scopes the worker will
// attempt, built by the caller from the source's DiskRef before Start.
type ScopeStep struct {
	Scope diskstream.Scope
	Index int
}

// defaultBufferSize is the pump chunk size recommended by spec.md §4.5
const defaultBufferSize = 1 << 20

// Job drives one clone or restore operation. It owns a move-only worker:
// callers never touch the worker goroutine directly, only the channel.
type Job struct {
	source diskstream.Stream
	sink   diskstream.Stream
	steps  []ScopeStep
	events chan Event

	bufferSize int
	fixBoot    *FixBootConfig

	status   atomic.Int32
	aborted  atomic.Bool
	progress atomic.Value // float64
	lastErr  atomic.Value // string

	mu      sync.Mutex
	started bool
}

// FixBootConfig parameterizes the Fix_Boot post-processing step
type FixBootConfig struct {
	Adapter          *osadapter.Adapter
	ResetUUIDs       bool
	DistroMarkerRoot string // mounted root to probe for a distro fingerprint; "" skips detection
}

// New builds a Job that will copy steps from source to sink in order.
// bufferSize <= 0 uses defaultBufferSize.
func New(source, sink diskstream.Stream, steps []ScopeStep, bufferSize int, fixBoot *FixBootConfig) *Job {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}

	j := &Job{
		source:     source,
		sink:       sink,
		steps:      steps,
		events:     make(chan Event, 32),
		bufferSize: bufferSize,
		fixBoot:    fixBoot,
	}

	j.status.Store(int32(Stopped))
	j.progress.Store(float64(0))
	j.lastErr.Store("")

	return j
}

// Events returns the notification channel; the caller reads from it until
// it is closed, which happens when the worker reaches a terminal status.
func (j *Job) Events() <-chan Event {
	return j.events
}

// Status returns the job's current status
func (j *Job) Status() Status {
	return Status(j.status.Load())
}

// Progress returns the last reported progress in [0,1]
func (j *Job) Progress() float64 {
	return j.progress.Load().(float64)
}

// ErrorString returns the last recorded error message, or ""
func (j *Job) ErrorString() string {
	return j.lastErr.Load().(string)
}

// Start launches the worker goroutine. Calling Start twice on the same Job
// is a programming error and panics, mirroring the teacher's progress
// package panicking on a missing Set() call: both are "you used this API
// wrong", not a runtime condition to tolerate silently.
func (j *Job) Start() {
	j.mu.Lock()
	if j.started {
		j.mu.Unlock()
		panic("clonejob: Start called twice on the same Job")
	}
	j.started = true
	j.mu.Unlock()

	j.status.Store(int32(Started))
	j.emit(Event{Status: Started})

	go j.run()
}

// Abort sets the cooperative cancellation flag. The worker checks it
// between pumps and at scope boundaries, per spec.md §5.
func (j *Job) Abort() {
	j.aborted.Store(true)
}

func (j *Job) emit(e Event) {
	select {
	case j.events <- e:
	default:
		log.Warning("clonejob: event channel full, dropping %s event", e.Status)
	}
}

func (j *Job) run() {
	defer close(j.events)

	total := j.source.TotalReadableSize()
	var copied int64

	rate := newRateWindow(time.Second)

	for _, step := range j.steps {
		if j.aborted.Load() {
			j.finishAborted()
			return
		}

		status := statusForScope(step.Scope)
		j.status.Store(int32(status))
		j.emit(Event{Status: status})

		if !j.source.HasScope(step.Scope, diskstream.Read, step.Index) {
			continue
		}

		if err := j.source.BeginScope(step.Scope, diskstream.Read, step.Index); err != nil {
			j.fail(err)
			return
		}

		if !j.sink.HasScope(step.Scope, diskstream.Write, step.Index) {
			_ = j.source.EndScope()
			continue
		}

		if err := j.sink.BeginScope(step.Scope, diskstream.Write, step.Index); err != nil {
			_ = j.source.EndScope()
			j.fail(err)
			return
		}

		n, aborted, err := j.pump(rate, total, &copied)

		sinkErr := j.sink.EndScope()
		sourceErr := j.source.EndScope()

		if aborted {
			j.finishAborted()
			return
		}

		if err != nil {
			j.fail(err)
			return
		}
		if sinkErr != nil {
			j.fail(sinkErr)
			return
		}
		if sourceErr != nil {
			j.fail(sourceErr)
			return
		}

		_ = n
	}

	j.runFixBoot()

	j.progress.Store(float64(1))
	j.emit(Event{Status: Stopped, Progress: 1})
	j.status.Store(int32(Stopped))
}

// pump copies bytes in fixed-size buffers between source and sink until the
// source scope is exhausted, updating progress and ETA between chunks and
// checking the abort flag at each boundary.
func (j *Job) pump(rate *rateWindow, total int64, copied *int64) (int64, bool, error) {
	buf := make([]byte, j.bufferSize)
	var n int64

	for !j.source.AtEnd() {
		if j.aborted.Load() {
			return n, true, nil
		}

		read, err := j.source.Read(buf)
		if read > 0 {
			if _, werr := writeAll(j.sink, buf[:read]); werr != nil {
				return n, false, werr
			}
			n += int64(read)
			*copied += int64(read)
			rate.add(int64(read))

			j.reportProgress(total, *copied, rate)
		}

		if err != nil {
			if err == io.EOF {
				break
			}
			return n, false, dimerrors.New(dimerrors.Io, "read failed: %v", err)
		}
	}

	return n, false, nil
}

func writeAll(w diskstream.Stream, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := w.Write(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (j *Job) reportProgress(total, copied int64, rate *rateWindow) {
	var progress float64
	if total > 0 {
		progress = float64(copied) / float64(total)
		if progress > 1 {
			progress = 1
		}
	}

	prev := j.progress.Load().(float64)
	if progress < prev {
		progress = prev
	}
	j.progress.Store(progress)

	var eta time.Duration
	if r := rate.bytesPerSecond(); r > 0 && total > copied {
		eta = time.Duration(float64(total-copied)/r) * time.Second
	}

	j.emit(Event{Status: j.Status(), Progress: progress, ETA: eta})
}

func (j *Job) fail(err error) {
	msg := err.Error()
	j.lastErr.Store(msg)
	j.status.Store(int32(Failed))
	j.emit(Event{Status: Failed, Err: err, Message: msg})
}

func (j *Job) finishAborted() {
	j.status.Store(int32(Stopped))
	j.emit(Event{Status: Stopped, Message: "aborted"})
}

// runFixBoot is the best-effort post-processing hook; per spec.md §4.5 its
// failure downgrades to a warning and never fails the job. It only detects
// and logs the distribution found under DistroMarkerRoot: ResetUUIDs is not
// acted on, no filesystem UUID is reset and no loader config is rewritten.
func (j *Job) runFixBoot() {
	if j.fixBoot == nil {
		return
	}

	j.status.Store(int32(FixBoot))
	j.emit(Event{Status: FixBoot})

	if j.fixBoot.DistroMarkerRoot != "" {
		d := osadapter.DetectDistribution(j.fixBoot.DistroMarkerRoot, osadapter.DefaultFingerprints)
		if d == nil {
			log.Warning("Fix_Boot: no recognized distribution found under %s", j.fixBoot.DistroMarkerRoot)
		} else {
			log.Info("Fix_Boot: detected %s", d.Name)
		}
	}
}

func statusForScope(s diskstream.Scope) Status {
	switch s {
	case diskstream.ScopeHead:
		return CloneHead
	case diskstream.ScopePartitionTable:
		return ClonePartitionTable
	case diskstream.ScopePartition:
		return ClonePartition
	case diskstream.ScopeJsonInfo:
		return SaveInfo
	default:
		return ClonePartition
	}
}
