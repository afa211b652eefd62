package cluster

import (
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/hashicorp/serf/serf"
)

// handleQuery handles incoming Serf queries
func (c *Cluster) handleQuery(query *serf.Query) {
	switch query.Name {
	case QueryQueueDepth:
		c.handleQueueDepthQuery(query)
	default:
		log.Printf("[WARN] Unknown query: %s", query.Name)
	}
}

// handleQueueDepthQuery responds with this device's pending count
func (c *Cluster) handleQueueDepthQuery(query *serf.Query) {
	data, ok := c.queueDepthPayload()
	if !ok {
		// Not a device; stay silent.
		return
	}

	if err := query.Respond(data); err != nil {
		log.Printf("[ERROR] Failed to respond to query: %v", err)
		return
	}

	log.Printf("[INFO] Sent queue depth to %s", query.SourceNode())
}

func (c *Cluster) queueDepthPayload() ([]byte, bool) {
	c.mu.Lock()
	provider := c.queueStatus
	c.mu.Unlock()

	if provider == nil {
		return nil, false
	}

	depth := provider()
	depth.NodeID = c.nodeID

	data, err := json.Marshal(depth)
	if err != nil {
		log.Printf("[ERROR] Failed to marshal queue depth: %v", err)
		return nil, false
	}
	return data, true
}

// QueueDepths asks every device for its pending count. Devices that do not
// answer within timeout are missing from the result.
func (c *Cluster) QueueDepths(timeout time.Duration) ([]QueueDepth, error) {
	params := &serf.QueryParam{
		FilterTags: map[string]string{TagRole: RoleDevice},
		Timeout:    timeout,
	}

	resp, err := c.serf.Query(QueryQueueDepth, nil, params)
	if err != nil {
		return nil, fmt.Errorf("failed to send queue depth query: %w", err)
	}

	depths := []QueueDepth{}
	for r := range resp.ResponseCh() {
		var depth QueueDepth
		if err := json.Unmarshal(r.Payload, &depth); err != nil {
			log.Printf("[ERROR] Failed to unmarshal response from %s: %v", r.From, err)
			continue
		}
		depths = append(depths, depth)
	}

	sort.Slice(depths, func(i, j int) bool { return depths[i].NodeID < depths[j].NodeID })
	log.Printf("[INFO] Received queue depth from %d device(s)", len(depths))
	return depths, nil
}
