package trace

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder_Format(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf)
	t0 := time.Unix(100, 0)

	r.Record(Sample{Time: t0, Motor: 2, Hall: "1111", Step: 1500, Enc: 1498, DT: 3 * time.Millisecond})
	r.Record(Sample{Time: t0.Add(20 * time.Millisecond), Motor: 0, Hall: "0110", Step: 1532, Enc: 1530, DT: 2500 * time.Microsecond})
	require.NoError(t, r.Flush())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, Header, lines[0])
	assert.Equal(t, "0.0000 2 1111 1500 1498 0.0030", lines[1])
	assert.Equal(t, "0.0200 0 0110 1532 1530 0.0025", lines[2])
	assert.Equal(t, 2, r.Count())
}

type failingWriter struct{ n int }

func (w *failingWriter) Write(p []byte) (int, error) {
	w.n++
	return 0, errors.New("disk full")
}

func TestRecorder_KeepsFirstError(t *testing.T) {
	r := New(&failingWriter{})
	// header is buffered; force the failure through Flush
	err := r.Flush()
	assert.Error(t, err)
	r.Record(Sample{Time: time.Now()})
	assert.Equal(t, 0, r.Count())
	assert.Error(t, r.Close())
}

func TestCreate_WritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hall.dat")
	r, err := Create(path)
	require.NoError(t, err)
	r.Record(Sample{Time: time.Now(), Hall: "1000"})
	require.NoError(t, r.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), Header+"\n"))
	assert.Contains(t, string(data), " 1000 ")
}
