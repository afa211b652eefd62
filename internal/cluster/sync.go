package cluster

import (
	"encoding/json"
	"fmt"
	"log"
	"time"
	"unicode/utf8"

	"github.com/c.mueller/offline-sync/internal/models"
)

// Serf caps user event payloads at 512 bytes, name included.
const (
	maxUserEventSize = 512
	maxErrorLen      = 200
	maxOperationLen  = 120
)

// BroadcastStatus reports dead-lettered items and circuit breaker changes to
// the cluster. Other status kinds are too chatty for gossip and are ignored.
func (c *Cluster) BroadcastStatus(ev models.StatusEvent) error {
	switch ev.Kind {
	case models.EventFailed, models.EventCircuitOpen, models.EventCircuitReset:
	default:
		return nil
	}

	payload, err := c.statusPayload(ev, time.Now())
	if err != nil {
		return err
	}
	return c.broadcastEvent(EventDeviceStatus, string(ev.Kind), payload)
}

// statusPayload encodes ev for gossip, shortening free text until the
// payload fits a user event.
func (c *Cluster) statusPayload(ev models.StatusEvent, now time.Time) ([]byte, error) {
	event := DeviceStatusEvent{
		Kind:      string(ev.Kind),
		ItemID:    ev.Detail.ItemID,
		Operation: truncate(ev.Detail.Operation, maxOperationLen),
		Error:     truncate(ev.Detail.Error, maxErrorLen),
		Reason:    ev.Detail.Reason,
		Pending:   ev.Detail.Pending,
		NodeID:    c.nodeID,
		Timestamp: now.Unix(),
	}

	budget := maxUserEventSize - len(EventDeviceStatus)
	for {
		payload, err := json.Marshal(event)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal event: %w", err)
		}
		if len(payload) <= budget {
			return payload, nil
		}
		// JSON escaping can still push it over; drop text until it fits.
		switch {
		case event.Error != "":
			event.Error = truncate(event.Error, len(event.Error)/2)
		case event.Operation != "":
			event.Operation = truncate(event.Operation, len(event.Operation)/2)
		default:
			return nil, fmt.Errorf("status event is %d bytes, limit %d", len(payload), budget)
		}
	}
}

// truncate cuts s to at most max bytes without splitting a rune.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

// broadcastEvent sends a user event to the cluster
func (c *Cluster) broadcastEvent(eventName, kind string, payload []byte) error {
	if err := c.serf.UserEvent(eventName, payload, false); err != nil {
		return fmt.Errorf("failed to broadcast event: %w", err)
	}

	log.Printf("[INFO] Broadcasted %s: %s", eventName, kind)
	return nil
}
