package stream

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/beamcast/beamcast/internal/testutil"
)

func writeMedia(t *testing.T, dir, name string, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path, data
}

func newTestServer(t *testing.T, lo, hi int) *Server {
	t.Helper()
	s := New(testutil.Logger(),
		WithPortRange(lo, hi),
		WithHostIP("127.0.0.1"),
	)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestServeAndFetchFull(t *testing.T) {
	path, data := writeMedia(t, t.TempDir(), "movie.mp4", 1000)
	s := newTestServer(t, 29100, 29110)

	url, err := s.Serve(path)
	require.NoError(t, err)

	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "video/mp4", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.True(t, bytes.Equal(body, data))
}

func TestByteRange(t *testing.T) {
	path, data := writeMedia(t, t.TempDir(), "movie.mp4", 1000)
	s := newTestServer(t, 29120, 29130)

	url, err := s.Serve(path)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	req.Header.Set("Range", "bytes=100-199")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusPartialContent, resp.StatusCode)
	require.Equal(t, "100", resp.Header.Get("Content-Length"))
	require.Equal(t, "bytes 100-199/1000", resp.Header.Get("Content-Range"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.True(t, bytes.Equal(body, data[100:200]))
}

func TestSessionReuse(t *testing.T) {
	path, _ := writeMedia(t, t.TempDir(), "movie.mp4", 100)
	s := newTestServer(t, 29140, 29150)

	url1, err := s.Serve(path)
	require.NoError(t, err)
	url2, err := s.Serve(path)
	require.NoError(t, err)

	require.Equal(t, url1, url2)
	sessions := s.Sessions()
	require.Len(t, sessions, 1)
	require.Equal(t, 2, sessions[0].RefCount)
}

func TestReleaseFreesPort(t *testing.T) {
	dir := t.TempDir()
	pathA, _ := writeMedia(t, dir, "a.mp4", 100)
	pathB, _ := writeMedia(t, dir, "b.mp4", 100)
	s := newTestServer(t, 29160, 29170)

	urlA, err := s.Serve(pathA)
	require.NoError(t, err)
	portA := s.Sessions()[0].Port
	require.NoError(t, s.Release(urlA))
	require.Empty(t, s.Sessions())

	// The port must be immediately reusable.
	_, err = s.Serve(pathB)
	require.NoError(t, err)
	require.Equal(t, portA, s.Sessions()[0].Port)
}

func TestReleaseHonorsRefCount(t *testing.T) {
	path, _ := writeMedia(t, t.TempDir(), "movie.mp4", 100)
	s := newTestServer(t, 29180, 29190)

	url, err := s.Serve(path)
	require.NoError(t, err)
	_, err = s.Serve(path)
	require.NoError(t, err)

	require.NoError(t, s.Release(url))

	// First release only drops the count; the file is still served.
	resp, err := http.Get(url)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, s.Release(url))
	_, err = http.Get(url)
	require.Error(t, err, "listener should be down after final release")
}

func TestReleaseUnknownURL(t *testing.T) {
	s := newTestServer(t, 29200, 29210)
	err := s.Release("http://127.0.0.1:29200/ghost.mp4")
	require.ErrorIs(t, err, ErrUnknownURL)
}

func TestPortRangeExhausted(t *testing.T) {
	dir := t.TempDir()
	pathA, _ := writeMedia(t, dir, "a.mp4", 100)
	pathB, _ := writeMedia(t, dir, "b.mp4", 100)
	s := newTestServer(t, 29220, 29220)

	_, err := s.Serve(pathA)
	require.NoError(t, err)

	_, err = s.Serve(pathB)
	require.True(t, errors.Is(err, ErrPortRangeExhausted), "got %v", err)
}

func TestServeMissingFile(t *testing.T) {
	s := newTestServer(t, 29230, 29240)
	_, err := s.Serve(filepath.Join(t.TempDir(), "missing.mp4"))
	require.Error(t, err)
}

func TestUnknownPathReturns404(t *testing.T) {
	path, _ := writeMedia(t, t.TempDir(), "movie.mp4", 100)
	s := newTestServer(t, 29250, 29260)

	url, err := s.Serve(path)
	require.NoError(t, err)

	resp, err := http.Get(strings.Replace(url, "movie.mp4", "other.mp4", 1))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSubtitleSidecar(t *testing.T) {
	dir := t.TempDir()
	path, _ := writeMedia(t, dir, "movie.mp4", 100)
	subData := []byte("1\n00:00:01,000 --> 00:00:02,000\nhello\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "movie.srt"), subData, 0o644))

	s := newTestServer(t, 29270, 29280)
	url, err := s.Serve(path)
	require.NoError(t, err)

	resp, err := http.Get(strings.Replace(url, "movie.mp4", "movie.srt", 1))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, subData, body)
}

func TestCanonicalizeDeduplicatesRelativePaths(t *testing.T) {
	dir := t.TempDir()
	path, _ := writeMedia(t, dir, "movie.mp4", 100)
	s := newTestServer(t, 29290, 29299)

	url1, err := s.Serve(path)
	require.NoError(t, err)
	url2, err := s.Serve(filepath.Join(dir, ".", "movie.mp4"))
	require.NoError(t, err)

	require.Equal(t, url1, url2)
	require.Len(t, s.Sessions(), 1)
}
