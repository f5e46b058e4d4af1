package ssdp

import (
	"context"
	"encoding/xml"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html/charset"
)

// deviceDescription mirrors the subset of the UPnP device description
// document we need. Renderers nest the AVTransport service at varying
// depths; embedded devices are covered by the recursive deviceEntry.
type deviceDescription struct {
	XMLName xml.Name    `xml:"root"`
	Device  deviceEntry `xml:"device"`
}

type deviceEntry struct {
	DeviceType   string `xml:"deviceType"`
	FriendlyName string `xml:"friendlyName"`
	Manufacturer string `xml:"manufacturer"`
	UDN          string `xml:"UDN"`
	Services     []struct {
		ServiceType string `xml:"serviceType"`
		ControlURL  string `xml:"controlURL"`
	} `xml:"serviceList>service"`
	Devices []deviceEntry `xml:"deviceList>device"`
}

type descriptionFetcher struct {
	client *http.Client
}

func newDescriptionFetcher() *descriptionFetcher {
	return &descriptionFetcher{
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

// fetch retrieves and parses the device description at location, resolving
// the AVTransport control URL against the description's base URL.
func (f *descriptionFetcher) fetch(ctx context.Context, location string) (*Descriptor, error) {
	base, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("parse location %q: %w", location, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, fmt.Errorf("build description request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch description: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch description: unexpected status %d", resp.StatusCode)
	}

	var doc deviceDescription
	dec := xml.NewDecoder(resp.Body)
	// Renderers in the wild declare non-UTF-8 encodings in the XML prolog.
	dec.CharsetReader = charset.NewReaderLabel
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode description: %w", err)
	}

	entry, controlURL := findAVTransport(&doc.Device)
	if entry == nil {
		entry = &doc.Device
	}

	desc := &Descriptor{
		UDN:          entry.UDN,
		FriendlyName: entry.FriendlyName,
		Manufacturer: entry.Manufacturer,
		LocationURL:  location,
	}
	if desc.FriendlyName == "" {
		desc.FriendlyName = doc.Device.FriendlyName
	}
	if desc.Manufacturer == "" {
		desc.Manufacturer = doc.Device.Manufacturer
	}

	if controlURL != "" {
		ref, err := url.Parse(controlURL)
		if err != nil {
			return nil, fmt.Errorf("parse control URL %q: %w", controlURL, err)
		}
		desc.ControlURL = base.ResolveReference(ref).String()
	}

	host, portStr, err := net.SplitHostPort(base.Host)
	if err != nil {
		host = base.Host
		portStr = "80"
	}
	desc.IP = host
	if p, err := strconv.Atoi(portStr); err == nil {
		desc.Port = p
	}

	return desc, nil
}

// findAVTransport walks the device tree and returns the first device entry
// carrying an AVTransport service, along with its (possibly relative)
// control URL.
func findAVTransport(entry *deviceEntry) (*deviceEntry, string) {
	for _, svc := range entry.Services {
		if strings.Contains(svc.ServiceType, "AVTransport") {
			return entry, svc.ControlURL
		}
	}
	for i := range entry.Devices {
		if e, u := findAVTransport(&entry.Devices[i]); e != nil {
			return e, u
		}
	}
	return nil, ""
}
