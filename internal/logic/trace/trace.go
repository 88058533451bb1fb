// Package trace records raw wheel sensor samples to a text file for
// offline analysis of hall pulse widths and encoder drift.
package trace

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/cjeanneret/filterwheel/internal/debug"
)

// Header is the first line of every trace file.
const Header = "#time, motor, hall, step, enc, statDTime"

// Sample is one poll tick worth of raw readings.
type Sample struct {
	Time  time.Time
	Motor int           // motor status word
	Hall  string        // hall, id4, id2, id1 lines as read (active low)
	Step  float64       // motor position
	Enc   float64       // encoder position
	DT    time.Duration // time spent reading the tick
}

// Recorder writes samples as space separated lines. Times are seconds
// since the first sample.
type Recorder struct {
	mu     sync.Mutex
	w      *bufio.Writer
	closer io.Closer
	start  time.Time
	count  int
	err    error
}

// New writes the header to w and returns a recorder appending to it.
func New(w io.Writer) *Recorder {
	r := &Recorder{w: bufio.NewWriter(w)}
	if c, ok := w.(io.Closer); ok {
		r.closer = c
	}
	_, r.err = fmt.Fprintln(r.w, Header)
	return r
}

// Create opens (truncating) a trace file.
func Create(path string) (*Recorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create trace file: %w", err)
	}
	debug.Info("Recording hall trace to %s", path)
	return New(f), nil
}

// Record appends one sample. The first write error is kept and reported
// by Close; later samples are dropped.
func (r *Recorder) Record(s Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return
	}
	if r.start.IsZero() {
		r.start = s.Time
	}
	t := s.Time.Sub(r.start).Seconds()
	_, r.err = fmt.Fprintf(r.w, "%.4f %d %s %.0f %.0f %.4f\n", t, s.Motor, s.Hall, s.Step, s.Enc, s.DT.Seconds())
	if r.err == nil {
		r.count++
	}
}

// Count returns the number of samples written.
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Flush pushes buffered lines to the underlying writer.
func (r *Recorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.err = r.w.Flush()
	return r.err
}

// Close flushes and closes the underlying file, if any.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	err := r.err
	if ferr := r.w.Flush(); err == nil {
		err = ferr
	}
	if r.closer != nil {
		if cerr := r.closer.Close(); err == nil {
			err = cerr
		}
		r.closer = nil
	}
	return err
}
