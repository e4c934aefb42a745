package delivery

import (
	"encoding/json"
	"time"
)

const (
	DefaultIcon  = "/static/icons/icon-192x192.png"
	DefaultBadge = "/static/icons/badge-72x72.png"
)

// Notification is the JSON document the service worker receives.
type Notification struct {
	Title     string         `json:"title"`
	Body      string         `json:"body"`
	Icon      string         `json:"icon,omitempty"`
	Badge     string         `json:"badge,omitempty"`
	Data      map[string]any `json:"data"`
	Timestamp int64          `json:"timestamp"`
}

// Defaults fills in the presentation fields a caller left empty.
type Defaults struct {
	Icon  string
	Badge string
}

// withDefaults returns a copy of n with empty fields filled in. Data is
// never null on the wire and Timestamp is in unix seconds.
func (n Notification) withDefaults(d Defaults, now time.Time) Notification {
	if n.Icon == "" {
		n.Icon = d.Icon
	}
	if n.Badge == "" {
		n.Badge = d.Badge
	}
	if n.Data == nil {
		n.Data = map[string]any{}
	}
	if n.Timestamp == 0 {
		n.Timestamp = now.Unix()
	}
	return n
}

// Payload serializes the notification as sent to the push service.
func (n Notification) Payload(d Defaults, now time.Time) ([]byte, error) {
	return json.Marshal(n.withDefaults(d, now))
}
