// Package protocol writes the line protocol read by the UI process.
//
// Every event is one line on stdout, except read faults which go to stderr:
//
//	DEVICE:<name>
//	READY
//	BPM:<value>          one decimal place
//	ERROR:NODEVICE
//	ERROR:DEPS:<detail>
//	ERROR:FATAL:<detail>
//	ERROR:READ:<detail>  (stderr)
package protocol

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/petems/bpm-realtime/internal/audio"
	"github.com/petems/bpm-realtime/internal/device"
)

// Process exit codes.
const (
	ExitOK    = 0
	ExitFatal = 1
)

type Kind int

const (
	KindDevice Kind = iota
	KindReady
	KindBPM
	KindError
)

// Error kinds carried by KindError events.
const (
	ErrNoDevice = "NODEVICE"
	ErrDeps     = "DEPS"
	ErrFatal    = "FATAL"
	ErrRead     = "READ"
)

// Event is one protocol message.
type Event struct {
	Kind   Kind
	Name   string  // KindDevice
	Value  float64 // KindBPM
	Err    string  // KindError
	Detail string  // KindError, optional
}

func Device(name string) Event { return Event{Kind: KindDevice, Name: name} }
func Ready() Event { return Event{Kind: KindReady} }
func BPM(v float64) Event { return Event{Kind: KindBPM, Value: v} }
func Error(kind, detail string) Event { return Event{Kind: KindError, Err: kind, Detail: detail} }

// String renders the event without the trailing newline.
func (e Event) String() string {
	switch e.Kind {
	case KindDevice:
		return "DEVICE:" + oneLine(e.Name)
	case KindReady:
		return "READY"
	case KindBPM:
		return fmt.Sprintf("BPM:%.1f", e.Value)
	case KindError:
		if e.Detail == "" {
			return "ERROR:" + e.Err
		}
		return "ERROR:" + e.Err + ":" + oneLine(e.Detail)
	default:
		return fmt.Sprintf("ERROR:%s:unknown event kind %d", ErrFatal, e.Kind)
	}
}

// Writer emits events. Each line goes out in a single Write on an
// unbuffered writer, so the consumer sees it immediately.
type Writer struct {
	out    io.Writer
	errOut io.Writer
}

func NewWriter(out, errOut io.Writer) *Writer {
	return &Writer{out: out, errOut: errOut}
}

// Emit writes e to stdout, or to stderr for read faults.
func (w *Writer) Emit(e Event) error {
	dst := w.out
	if e.Kind == KindError && e.Err == ErrRead {
		dst = w.errOut
	}
	_, err := io.WriteString(dst, e.String()+"\n")
	return err
}

func (w *Writer) Device(name string) error {
	return w.Emit(Device(name))
}

func (w *Writer) Ready() error {
	return w.Emit(Ready())
}

func (w *Writer) BPM(v float64) error {
	return w.Emit(BPM(v))
}

func (w *Writer) ReadError(err error) error {
	return w.Emit(Error(ErrRead, err.Error()))
}

// Fail reports a fatal error and returns the exit code for it. A nil error
// writes nothing and returns ExitOK.
func (w *Writer) Fail(err error) int {
	if err == nil {
		return ExitOK
	}
	_ = w.Emit(Classify(err))
	return ExitFatal
}

// Classify maps a fatal error to its protocol event.
func Classify(err error) Event {
	switch {
	case errors.Is(err, device.ErrNoDevice):
		return Error(ErrNoDevice, "")
	case errors.Is(err, audio.ErrBackend):
		return Error(ErrDeps, err.Error())
	default:
		return Error(ErrFatal, err.Error())
	}
}

func oneLine(s string) string {
	return strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(s)
}
