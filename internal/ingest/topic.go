package ingest

import (
	"errors"
	"fmt"
	"strings"
)

const (
	KindTelemetry = "telemetry"
	KindReported  = "reported"
	KindDesired   = "desired"
)

// Subscription filters for the device topics this service consumes.
var (
	TelemetryFilter = "sites/+/offices/+/" + KindTelemetry
	ReportedFilter  = "sites/+/offices/+/" + KindReported
)

var ErrBadTopic = errors.New("ingest: unrecognised topic")

// Route is the addressing carried by a device topic of the form
// sites/{locationId}/offices/{spaceId}/{kind}.
type Route struct {
	LocationID string
	SpaceID    string
	Kind       string
}

func ParseTopic(topic string) (Route, error) {
	parts := strings.Split(strings.Trim(topic, "/"), "/")
	if len(parts) != 5 || parts[0] != "sites" || parts[2] != "offices" {
		return Route{}, fmt.Errorf("%w: %q", ErrBadTopic, topic)
	}
	r := Route{LocationID: parts[1], SpaceID: parts[3], Kind: parts[4]}
	if r.LocationID == "" || r.SpaceID == "" {
		return Route{}, fmt.Errorf("%w: missing location or space in %q", ErrBadTopic, topic)
	}
	switch r.Kind {
	case KindTelemetry, KindReported:
	default:
		return Route{}, fmt.Errorf("%w: unsupported kind %q", ErrBadTopic, r.Kind)
	}
	return r, nil
}

// Topic builds the device topic for a route.
func Topic(locationID, spaceID, kind string) string {
	return "sites/" + locationID + "/offices/" + spaceID + "/" + kind
}
