//
// Copyright 2023 BuildXL Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package report

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/sirupsen/logrus"
)

// Sink is the dispatcher's event intake. A Reader never holds a
// back-pointer to the dispatcher itself, only this narrow interface
// (Design Notes §9: break the reader/dispatcher cycle by giving the
// reader a borrow of the event sink).
type Sink interface {
	// PostAccess forwards a decoded file-access record. The reader calls
	// it synchronously, so a sink that blocks stalls this reader's loop
	// until it returns.
	PostAccess(*ReportedAccess)
	// PostDebug forwards a decoded debug record.
	PostDebug(*DebugRecord)
	// PostSentinel notifies the dispatcher that the given sentinel
	// arrived on this reader's pipe.
	PostSentinel(value int32)
}

// Step is the result of one read-and-parse cycle, used internally as
// the sum type Design Notes §9 calls for in place of exceptions.
type step int

const (
	stepOK step = iota
	stepEOF
	stepSentinel
	stepErr
)

// Reader owns one FIFO: a read descriptor the child tree writes into,
// and a parked write descriptor the reader itself holds open so that a
// transient close by the last child writer never produces a spurious
// EOF (§4.2).
type Reader struct {
	path      string
	readFile  *os.File
	parkedW   *os.File
	sink      Sink
	secondary bool
}

// Open opens the reader's read end without ever blocking on a peer.
// A plain open(O_RDONLY) of a FIFO blocks until some writer shows up,
// and a plain open(O_WRONLY) blocks until some reader shows up — doing
// both from this same process in either order deadlocks, since
// neither peer exists yet. The fix is the standard FIFO trick: open
// our own read end O_NONBLOCK first (a read-side open with
// O_NONBLOCK always succeeds immediately, writer or not), then open
// the parked write end normally — it now succeeds at once because our
// own reader is already there to satisfy it.
func Open(fifoPath string, sink Sink, secondary bool) (*Reader, error) {
	r, err := os.OpenFile(fifoPath, os.O_RDONLY|syscall.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open reader for %s: %w", fifoPath, err)
	}

	// Park a writer so later, transient writer closes by the child
	// tree don't produce a spurious EOF at the reader.
	w, err := os.OpenFile(fifoPath, os.O_WRONLY, 0)
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("failed to open parked writer for %s: %w", fifoPath, err)
	}

	return &Reader{
		path:      fifoPath,
		readFile:  r,
		parkedW:   w,
		sink:      sink,
		secondary: secondary,
	}, nil
}

// Run drains the FIFO until a fatal error, an EndOfReportsSentinel, or
// EOF. A secondary reader also stops at its first
// NoActiveProcessesSentinel, the single sentinel its drain needs. It is
// meant to be run in its own goroutine per §5. The returned error is
// nil on a sentinel exit or EOF; any non-nil return is a ProtocolError
// or PipeError per §7 and is fatal for the task.
func (r *Reader) Run() error {
	br := bufio.NewReader(r.readFile)
	for {
		s, payload, err := r.readFrame(br)
		switch s {
		case stepEOF:
			logrus.Debugf("report reader %s: EOF", r.path)
			return nil
		case stepErr:
			logrus.Errorf("report reader %s: %v", r.path, err)
			return err
		case stepSentinel:
			value := payload.(int32)
			r.sink.PostSentinel(value)
			if value == EndOfReportsSentinel {
				logrus.Debugf("report reader %s: end-of-reports sentinel, exiting", r.path)
				return nil
			}
			if r.secondary {
				// No ProcessStart arrives on the secondary pipe, so one
				// NoActiveProcessesSentinel ends its drain.
				logrus.Debugf("report reader %s: secondary drain sentinel, exiting", r.path)
				return nil
			}
			// NoActiveProcessesSentinel on the primary: keep reading, more
			// events (or the EndOfReportsSentinel itself) may still arrive.
		case stepOK:
			switch v := payload.(type) {
			case *ReportedAccess:
				r.sink.PostAccess(v)
			case *DebugRecord:
				r.sink.PostDebug(v)
			}
		}
	}
}

// readFrame reads one length-prefixed frame and parses it.
func (r *Reader) readFrame(br *bufio.Reader) (step, interface{}, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(br, lenBuf[:]); err != nil {
		if err == io.EOF {
			return stepEOF, nil, nil
		}
		return stepErr, nil, fmt.Errorf("short read on length prefix: %w", err)
	}

	length := int32(binary.LittleEndian.Uint32(lenBuf[:]))

	if length < 0 {
		switch length {
		case NoActiveProcessesSentinel, EndOfReportsSentinel:
			return stepSentinel, length, nil
		default:
			return stepErr, nil, fmt.Errorf("protocol error: unrecognized negative length %d", length)
		}
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(br, buf); err != nil {
		return stepErr, nil, fmt.Errorf("short read on %d-byte payload: %w", length, err)
	}

	line := string(buf)
	rec, err := ParseRecord(line)
	if err != nil {
		return stepErr, nil, err
	}
	return stepOK, rec, nil
}

// Close releases the read descriptor. Best-effort; callers should log
// but not fail the task on close errors (§5 Resource ownership). The
// parked write descriptor is a separate handle owned by the
// teardown.PipeGate built from ParkedWriter() and is released through
// Machine.DisposeAll, not here — closing it here too would race a
// concurrent WriteSentinel with a double close.
func (r *Reader) Close() error {
	return r.readFile.Close()
}

// ParkedWriter exposes the reader's own write descriptor so the
// teardown state machine (package teardown) can wrap it in a PipeGate
// and write sentinels into this FIFO. Ownership of the descriptor
// transfers to the PipeGate: callers must route its disposal through
// Machine.DisposeAll rather than closing it directly.
func (r *Reader) ParkedWriter() *os.File {
	return r.parkedW
}

// SetSink assigns the event sink after construction, for callers that
// must open the FIFO (to establish a reader before any writer can be
// dialed without blocking, see Open) before the sink — which may
// itself depend on handles this Reader exposes, like ParkedWriter —
// can be built. Must be called before Run.
func (r *Reader) SetSink(sink Sink) {
	r.sink = sink
}

func (r *Reader) Path() string {
	return r.path
}

func (r *Reader) IsSecondary() bool {
	return r.secondary
}
