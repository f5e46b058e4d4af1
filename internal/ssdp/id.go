package ssdp

import (
	"strings"

	"github.com/google/uuid"
)

// DeviceID derives the stable registry key for this descriptor: the
// declared UDN when the device advertises one, otherwise a UUID derived
// deterministically from the location URL so the same device always maps
// to the same record.
func (d Descriptor) DeviceID() string {
	if d.UDN != "" {
		return strings.TrimPrefix(d.UDN, "uuid:")
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(d.LocationURL)).String()
}
