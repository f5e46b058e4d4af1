// Package stream serves local media files to renderers over HTTP with
// byte-range support. Sessions are reference-counted per canonical media
// path and bound to ports from a fixed range, so repeated start/stop
// cycles reuse ports instead of leaking them.
package stream

import (
	"errors"
	"fmt"
	"mime"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/beamcast/beamcast/internal/metrics"
)

var (
	// ErrPortRangeExhausted indicates every port in the configured range
	// is busy. Surfaced to the caller, never retried internally.
	ErrPortRangeExhausted = errors.New("no free port in streaming range")

	// ErrUnknownURL indicates a Release for a URL with no live session.
	ErrUnknownURL = errors.New("no streaming session for url")
)

const (
	defaultPortMin = 9000
	defaultPortMax = 9099
)

// fallback types for extensions the platform mime database may miss.
var contentTypes = map[string]string{
	".mp4":  "video/mp4",
	".mkv":  "video/x-matroska",
	".avi":  "video/x-msvideo",
	".mov":  "video/quicktime",
	".webm": "video/webm",
	".mp3":  "audio/mpeg",
	".srt":  "text/srt",
}

// Session is a snapshot of one active streaming session.
type Session struct {
	MediaPath string
	Port      int
	URL       string
	RefCount  int
	CreatedAt time.Time
}

type session struct {
	mediaPath    string
	subtitlePath string
	port         int
	url          string
	refs         int
	createdAt    time.Time
	listener     net.Listener
	httpServer   *http.Server
}

// Server owns the session table and the port range. The table lock guards
// only port allocation and ref-counting; file serving happens on the
// per-session HTTP listeners.
type Server struct {
	mu       sync.Mutex
	byPath   map[string]*session
	byURL    map[string]*session
	portMin  int
	portMax  int
	hostIP   string
	logger   *zap.Logger
	now      func() time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithPortRange bounds the ports sessions may bind.
func WithPortRange(lo, hi int) Option {
	return func(s *Server) { s.portMin, s.portMax = lo, hi }
}

// WithHostIP sets the address advertised in streaming URLs. If unset, the
// outbound interface toward the SSDP multicast group is used.
func WithHostIP(ip string) Option {
	return func(s *Server) { s.hostIP = ip }
}

// WithClock injects a time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// New creates a streaming server. No ports are bound until Serve.
func New(logger *zap.Logger, opts ...Option) *Server {
	s := &Server{
		byPath:  make(map[string]*session),
		byURL:   make(map[string]*session),
		portMin: defaultPortMin,
		portMax: defaultPortMax,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.hostIP == "" {
		s.hostIP = outboundIP()
	}
	return s
}

// Serve exposes mediaPath over HTTP and returns the URL renderers should
// fetch. A second Serve for the same canonical path reuses the existing
// session and bumps its reference count instead of binding a new port.
func (s *Server) Serve(mediaPath string) (string, error) {
	canonical, err := canonicalize(mediaPath)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.byPath[canonical]; ok {
		sess.refs++
		s.logger.Debug("streaming session reused",
			zap.String("path", canonical),
			zap.Int("refs", sess.refs),
		)
		return sess.url, nil
	}

	sess, err := s.startSession(canonical)
	if err != nil {
		return "", err
	}
	s.byPath[canonical] = sess
	s.byURL[sess.url] = sess
	metrics.StreamingSessions.Inc()

	s.logger.Info("streaming session started",
		zap.String("path", canonical),
		zap.Int("port", sess.port),
		zap.String("url", sess.url),
	)
	return sess.url, nil
}

// Release drops one reference to the session serving url. When the count
// reaches zero the listener is torn down synchronously before returning,
// freeing its port for the next Serve.
func (s *Server) Release(u string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.byURL[u]
	if !ok {
		return ErrUnknownURL
	}
	sess.refs--
	if sess.refs > 0 {
		return nil
	}

	delete(s.byPath, sess.mediaPath)
	delete(s.byURL, sess.url)
	metrics.StreamingSessions.Dec()

	// Close() rather than Shutdown(): the port must be free when we
	// return, and renderers reconnect on the next play anyway.
	err := sess.httpServer.Close()
	s.logger.Info("streaming session released",
		zap.String("path", sess.mediaPath),
		zap.Int("port", sess.port),
	)
	return err
}

// Sessions returns snapshots of all live sessions.
func (s *Server) Sessions() []Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Session, 0, len(s.byPath))
	for _, sess := range s.byPath {
		out = append(out, Session{
			MediaPath: sess.mediaPath,
			Port:      sess.port,
			URL:       sess.url,
			RefCount:  sess.refs,
			CreatedAt: sess.createdAt,
		})
	}
	return out
}

// Close tears down every session regardless of reference counts.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, sess := range s.byPath {
		if err := sess.httpServer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		metrics.StreamingSessions.Dec()
	}
	s.byPath = make(map[string]*session)
	s.byURL = make(map[string]*session)
	return firstErr
}

// startSession binds the first free port in range and starts a listener
// serving the media file and any adjacent subtitle. Caller holds s.mu.
func (s *Server) startSession(canonical string) (*session, error) {
	if _, err := os.Stat(canonical); err != nil {
		return nil, fmt.Errorf("media file: %w", err)
	}

	listener, port, err := s.bindFreePort()
	if err != nil {
		return nil, err
	}

	name := filepath.Base(canonical)
	sess := &session{
		mediaPath: canonical,
		port:      port,
		url:       fmt.Sprintf("http://%s/%s", net.JoinHostPort(s.hostIP, fmt.Sprint(port)), url.PathEscape(name)),
		refs:      1,
		createdAt: s.now(),
		listener:  listener,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/"+name, fileHandler(canonical))
	if sub := subtitleFor(canonical); sub != "" {
		sess.subtitlePath = sub
		mux.HandleFunc("/"+filepath.Base(sub), fileHandler(sub))
	}

	sess.httpServer = &http.Server{
		Handler:     mux,
		ReadTimeout: 30 * time.Second,
	}
	go func() {
		if err := sess.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Warn("streaming listener error",
				zap.Int("port", port),
				zap.Error(err),
			)
		}
	}()
	return sess, nil
}

// bindFreePort scans the range forward, skipping busy ports without error.
func (s *Server) bindFreePort() (net.Listener, int, error) {
	for port := s.portMin; port <= s.portMax; port++ {
		l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			continue
		}
		return l, port, nil
	}
	return nil, 0, fmt.Errorf("%w (%d-%d)", ErrPortRangeExhausted, s.portMin, s.portMax)
}

// fileHandler serves one file with byte-range support. http.ServeContent
// handles Range requests, 206 responses and Content-Range headers.
func fileHandler(path string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := os.Open(path)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		defer f.Close()

		fi, err := f.Stat()
		if err != nil {
			http.Error(w, "stat failed", http.StatusInternalServerError)
			return
		}

		if ct := typeByExtension(path); ct != "" {
			w.Header().Set("Content-Type", ct)
		}
		// Renderers expect this DLNA hint on streamed content.
		w.Header().Set("transferMode.dlna.org", "Streaming")
		http.ServeContent(w, r, filepath.Base(path), fi.ModTime(), f)
	}
}

func typeByExtension(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if ct, ok := contentTypes[ext]; ok {
		return ct
	}
	return mime.TypeByExtension(ext)
}

// subtitleFor returns the .srt sidecar next to the media file, if any.
func subtitleFor(mediaPath string) string {
	ext := filepath.Ext(mediaPath)
	sub := strings.TrimSuffix(mediaPath, ext) + ".srt"
	if _, err := os.Stat(sub); err != nil {
		return ""
	}
	return sub
}

// canonicalize resolves the path used as the session dedup key.
func canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("canonicalize %q: %w", path, err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	return abs, nil
}

// outboundIP finds the local address the OS routes toward the SSDP
// multicast group. Falls back to loopback if the host has no route.
func outboundIP() string {
	conn, err := net.Dial("udp4", "239.255.255.250:1900")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "127.0.0.1"
	}
	return addr.IP.String()
}
