package logstream

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/docker/docker/pkg/stdcopy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamWritesLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "test.log")
	stream, err := New("test", path)
	require.NoError(t, err)

	// Lines may arrive split across writes.
	_, err = stream.Write([]byte("first li"))
	require.NoError(t, err)
	_, err = stream.Write([]byte("ne\nsecond line\n"))
	require.NoError(t, err)
	require.NoError(t, stream.Close())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "first line\nsecond line\n", string(content))
}

func TestStreamFlushesTrailingPartialLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	stream, err := New("test", path)
	require.NoError(t, err)

	_, err = stream.Write([]byte("no trailing newline"))
	require.NoError(t, err)
	require.NoError(t, stream.Close())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "no trailing newline\n", string(content))
}

func TestStreamAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	for _, line := range []string{"one\n", "two\n"} {
		stream, err := New("test", path)
		require.NoError(t, err)
		_, err = stream.Write([]byte(line))
		require.NoError(t, err)
		require.NoError(t, stream.Close())
	}
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\n", string(content))
}

func TestFollow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	stream, err := New("test", path)
	require.NoError(t, err)

	require.NoError(t, stream.Follow(strings.NewReader("a\nb\n")))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "a\nb\n", string(content))
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, io.ErrUnexpectedEOF
}

func TestFollowRecordsReadErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	stream, err := New("test", path)
	require.NoError(t, err)

	err = stream.Follow(failingReader{})
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)

	content, readErr := os.ReadFile(path)
	require.NoError(t, readErr)
	assert.Contains(t, string(content), "ERROR: ")
}

func TestFollowDockerDemultiplexes(t *testing.T) {
	// Build a multiplexed stream the way the daemon does.
	var mux bytes.Buffer
	_, err := stdcopy.NewStdWriter(&mux, stdcopy.Stdout).Write([]byte("to stdout\n"))
	require.NoError(t, err)
	_, err = stdcopy.NewStdWriter(&mux, stdcopy.Stderr).Write([]byte("to stderr\n"))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "test.log")
	stream, err := New("test", path)
	require.NoError(t, err)
	require.NoError(t, stream.FollowDocker(&mux))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "to stdout\nto stderr\n", string(content))
}

func TestGoReportsOutcome(t *testing.T) {
	done := Go(func() error { return io.ErrClosedPipe })
	assert.ErrorIs(t, <-done, io.ErrClosedPipe)
}
