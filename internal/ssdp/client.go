// Package ssdp discovers UPnP media renderers on the local network via
// SSDP M-SEARCH probes and resolves each reply into a device descriptor
// by fetching its UPnP description document.
package ssdp

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/huin/goupnp/httpu"
	goSSDP "github.com/huin/goupnp/ssdp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultSearchTarget matches renderers exposing the AVTransport service.
const DefaultSearchTarget = "urn:schemas-upnp-org:service:AVTransport:1"

const (
	defaultTimeout  = 3 * time.Second
	defaultNumSends = 2
)

// Descriptor is the raw result of one discovery round for one device.
type Descriptor struct {
	UDN          string
	FriendlyName string
	Manufacturer string
	LocationURL  string
	ControlURL   string
	IP           string
	Port         int
	Server       string
}

// Client performs SSDP discovery probes. Each Discover call is a fresh
// probe; the Client holds no state between calls.
type Client struct {
	searchTarget string
	timeout      time.Duration
	numSends     int
	fetcher      *descriptionFetcher
	logger       *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithSearchTarget overrides the SSDP search target header.
func WithSearchTarget(st string) Option {
	return func(c *Client) { c.searchTarget = st }
}

// WithTimeout sets the total time spent collecting replies per probe.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithHTTPClient sets the HTTP client used for description fetches.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.fetcher.client = hc }
}

// New creates an SSDP discovery client.
func New(logger *zap.Logger, opts ...Option) *Client {
	c := &Client{
		searchTarget: DefaultSearchTarget,
		timeout:      defaultTimeout,
		numSends:     defaultNumSends,
		fetcher:      newDescriptionFetcher(),
		logger:       logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Discover sends an M-SEARCH probe and returns one descriptor per distinct
// device UDN. Duplicate replies for the same UDN (multiple interfaces,
// repeated sends) collapse to the earliest reply, which on a single socket
// is the one with the lowest round-trip latency. Replies whose description
// document is malformed or unreachable are skipped and logged.
func (c *Client) Discover(ctx context.Context) ([]Descriptor, error) {
	hc, err := httpu.NewHTTPUClient()
	if err != nil {
		return nil, err
	}
	defer hc.Close()

	searchCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	mx := int(c.timeout / time.Second)
	if mx < 1 {
		mx = 1
	}

	responses, err := goSSDP.SSDPRawSearchCtx(searchCtx, hc, c.searchTarget, mx, c.numSends)
	if err != nil {
		return nil, err
	}

	type reply struct {
		location string
		udn      string
		server   string
	}
	seen := make(map[string]bool)
	var replies []reply
	for _, resp := range responses {
		location := resp.Header.Get("Location")
		if location == "" {
			continue
		}

		udn := udnFromUSN(resp.Header.Get("USN"))
		key := udn
		if key == "" {
			key = location
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		replies = append(replies, reply{location: location, udn: udn, server: resp.Header.Get("Server")})
	}

	// Description documents are fetched concurrently; results keep reply
	// order so the earliest responder stays first.
	results := make([]*Descriptor, len(replies))
	g, fetchCtx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, r := range replies {
		i, r := i, r
		g.Go(func() error {
			desc, err := c.fetcher.fetch(fetchCtx, r.location)
			if err != nil {
				c.logger.Warn("device description fetch failed",
					zap.String("location", r.location),
					zap.Error(err),
				)
				return nil
			}
			if desc.ControlURL == "" {
				c.logger.Debug("device has no AVTransport service, skipping",
					zap.String("location", r.location),
					zap.String("friendly_name", desc.FriendlyName),
				)
				return nil
			}
			if desc.UDN == "" {
				desc.UDN = r.udn
			}
			desc.Server = r.server
			results[i] = desc
			return nil
		})
	}
	g.Wait()

	var descriptors []Descriptor
	for _, desc := range results {
		if desc != nil {
			descriptors = append(descriptors, *desc)
		}
	}

	c.logger.Debug("discovery probe complete",
		zap.Int("replies", len(responses)),
		zap.Int("devices", len(descriptors)),
	)
	return descriptors, nil
}

// udnFromUSN extracts the uuid:... prefix from a USN header value such as
// "uuid:abc::urn:schemas-upnp-org:service:AVTransport:1".
func udnFromUSN(usn string) string {
	if usn == "" {
		return ""
	}
	udn := strings.SplitN(usn, "::", 2)[0]
	if !strings.HasPrefix(udn, "uuid:") {
		return ""
	}
	return udn
}
