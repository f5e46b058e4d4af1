// Package avtransport implements the SOAP control client for the UPnP
// AVTransport service profile: SetAVTransportURI, Play, Pause, Stop, Seek
// and GetTransportInfo.
package avtransport

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/beamcast/beamcast/internal/metrics"
	"github.com/beamcast/beamcast/pkg/models"
)

const serviceType = "urn:schemas-upnp-org:service:AVTransport:1"

const (
	defaultTimeout = 5 * time.Second
	defaultRetries = 2
	defaultBackoff = 500 * time.Millisecond

	// Commands per second allowed toward renderers; a second layer of
	// protection against command storms on top of the manager's
	// idempotency guard.
	defaultRateLimit = 5
	defaultRateBurst = 10
)

// ProtocolError is a non-transient fault: a SOAP fault returned by the
// device or a response we cannot parse. It is never retried.
type ProtocolError struct {
	Action      string
	StatusCode  int
	FaultCode   string
	FaultString string
	UPnPCode    string
}

func (e *ProtocolError) Error() string {
	if e.FaultCode != "" || e.UPnPCode != "" {
		return fmt.Sprintf("avtransport %s: soap fault %s (upnp error %s): %s",
			e.Action, e.FaultCode, e.UPnPCode, e.FaultString)
	}
	return fmt.Sprintf("avtransport %s: protocol error (status %d)", e.Action, e.StatusCode)
}

// Client issues AVTransport SOAP actions to renderer control endpoints.
// Safe for concurrent use.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	retries    int
	backoff    time.Duration
	logger     *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout bounds each SOAP HTTP request.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithRetries sets the number of retries on transient network errors.
func WithRetries(n int) Option {
	return func(c *Client) { c.retries = n }
}

// WithBackoff sets the linear backoff step between retries.
func WithBackoff(d time.Duration) Option {
	return func(c *Client) { c.backoff = d }
}

// New creates an AVTransport control client.
func New(logger *zap.Logger, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
		limiter:    rate.NewLimiter(rate.Limit(defaultRateLimit), defaultRateBurst),
		retries:    defaultRetries,
		backoff:    defaultBackoff,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetTransportURI points the renderer at a media URL.
func (c *Client) SetTransportURI(ctx context.Context, controlURL, mediaURL string) error {
	_, err := c.Invoke(ctx, controlURL, "SetAVTransportURI", map[string]string{
		"InstanceID":         "0",
		"CurrentURI":         mediaURL,
		"CurrentURIMetaData": "",
	})
	return err
}

// Play starts playback at normal speed.
func (c *Client) Play(ctx context.Context, controlURL string) error {
	_, err := c.Invoke(ctx, controlURL, "Play", map[string]string{
		"InstanceID": "0",
		"Speed":      "1",
	})
	return err
}

// Pause pauses playback.
func (c *Client) Pause(ctx context.Context, controlURL string) error {
	_, err := c.Invoke(ctx, controlURL, "Pause", map[string]string{
		"InstanceID": "0",
	})
	return err
}

// Stop halts playback.
func (c *Client) Stop(ctx context.Context, controlURL string) error {
	_, err := c.Invoke(ctx, controlURL, "Stop", map[string]string{
		"InstanceID": "0",
	})
	return err
}

// Seek jumps to an absolute position within the current media.
func (c *Client) Seek(ctx context.Context, controlURL string, position time.Duration) error {
	_, err := c.Invoke(ctx, controlURL, "Seek", map[string]string{
		"InstanceID": "0",
		"Unit":       "REL_TIME",
		"Target":     FormatPosition(position),
	})
	return err
}

// transportInfoResponse extracts CurrentTransportState from a
// GetTransportInfo SOAP response body.
type transportInfoResponse struct {
	State string `xml:"Body>GetTransportInfoResponse>CurrentTransportState"`
}

// GetTransportInfo queries the renderer's transport state. Values outside
// the documented set map to TransportUnknown, which callers must treat as
// inconclusive rather than stopped.
func (c *Client) GetTransportInfo(ctx context.Context, controlURL string) (models.TransportState, error) {
	body, err := c.Invoke(ctx, controlURL, "GetTransportInfo", map[string]string{
		"InstanceID": "0",
	})
	if err != nil {
		return models.TransportUnknown, err
	}

	var info transportInfoResponse
	if err := xml.Unmarshal(body, &info); err != nil {
		return models.TransportUnknown, &ProtocolError{
			Action:      "GetTransportInfo",
			FaultString: fmt.Sprintf("unparseable response: %v", err),
		}
	}

	switch s := models.TransportState(info.State); s {
	case models.TransportPlaying, models.TransportPaused, models.TransportStopped,
		models.TransportNoMedia, models.TransportTransitioning:
		return s, nil
	default:
		return models.TransportUnknown, nil
	}
}

// Invoke builds the SOAP envelope for action, POSTs it to controlURL with
// the SOAPACTION header, and returns the raw response body. Transient
// network errors are retried with linear backoff; HTTP/SOAP faults are
// surfaced immediately as *ProtocolError.
func (c *Client) Invoke(ctx context.Context, controlURL, action string, args map[string]string) ([]byte, error) {
	envelope, err := buildEnvelope(action, args)
	if err != nil {
		return nil, fmt.Errorf("build %s envelope: %w", action, err)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * c.backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			c.logger.Debug("retrying soap action",
				zap.String("action", action),
				zap.Int("attempt", attempt),
			)
		}

		body, err := c.post(ctx, controlURL, action, envelope)
		if err == nil {
			metrics.SOAPActions.WithLabelValues(action, "ok").Inc()
			return body, nil
		}
		lastErr = err

		if !isTransient(err) {
			metrics.SOAPActions.WithLabelValues(action, "fault").Inc()
			return nil, err
		}
	}
	metrics.SOAPActions.WithLabelValues(action, "error").Inc()
	return nil, fmt.Errorf("%s after %d retries: %w", action, c.retries, lastErr)
}

func (c *Client) post(ctx context.Context, controlURL, action string, envelope []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, controlURL, bytes.NewReader(envelope))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	req.Header.Set("SOAPACTION", fmt.Sprintf(`"%s#%s"`, serviceType, action))
	req.Header.Set("Connection", "close")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", action, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", action, err)
	}

	if resp.StatusCode != http.StatusOK {
		perr := &ProtocolError{Action: action, StatusCode: resp.StatusCode}
		if fault := parseFault(body); fault != nil {
			perr.FaultCode = fault.Code
			perr.FaultString = fault.String
			perr.UPnPCode = fault.UPnPCode
		}
		return nil, perr
	}
	return body, nil
}

// soapFault captures the fault elements of an error response envelope.
type soapFault struct {
	Code     string `xml:"Body>Fault>faultcode"`
	String   string `xml:"Body>Fault>faultstring"`
	UPnPCode string `xml:"Body>Fault>detail>UPnPError>errorCode"`
}

func parseFault(body []byte) *soapFault {
	var fault soapFault
	if err := xml.Unmarshal(body, &fault); err != nil {
		return nil
	}
	if fault.Code == "" && fault.UPnPCode == "" {
		return nil
	}
	return &fault
}

// isTransient reports whether err is a network-level failure worth
// retrying. Protocol errors and context cancellation are not.
func isTransient(err error) bool {
	var perr *ProtocolError
	if errors.As(err, &perr) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return true
	}
	// url.Error from http.Client wraps dial/reset errors.
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "connection reset")
}

// FormatPosition renders a duration as the hh:mm:ss REL_TIME form expected
// by Seek.
func FormatPosition(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
