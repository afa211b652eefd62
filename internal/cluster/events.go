package cluster

import (
	"encoding/json"
	"log"

	"github.com/hashicorp/serf/serf"
)

// handleEvents processes Serf events from the event channel
func (c *Cluster) handleEvents() {
	for {
		select {
		case event := <-c.eventCh:
			switch e := event.(type) {
			case serf.MemberEvent:
				c.handleMemberEvent(e)
			case serf.UserEvent:
				c.handleUserEvent(e)
			case *serf.Query:
				c.handleQuery(e)
			default:
				log.Printf("Unknown event type: %T", e)
			}
		case <-c.shutdown:
			log.Println("Event handler shutting down")
			return
		}
	}
}

// handleMemberEvent tracks alive store members and fires the online and
// store URL callbacks when a store appears or the chosen store changes.
func (c *Cluster) handleMemberEvent(event serf.MemberEvent) {
	storeJoined := false

	c.mu.Lock()
	before := c.storeURLLocked()
	for _, member := range event.Members {
		isStore := member.Tags[TagRole] == RoleStore

		switch event.Type {
		case serf.EventMemberJoin, serf.EventMemberUpdate:
			if event.Type == serf.EventMemberJoin {
				log.Printf("🎉 Node joined: %s (%s, role=%s)", member.Name, member.Addr, member.Tags[TagRole])
			} else {
				log.Printf("🔄 Node updated: %s", member.Name)
			}
			if !isStore || member.Name == c.nodeID {
				continue
			}
			if _, known := c.stores[member.Name]; !known {
				storeJoined = true
			}
			c.stores[member.Name] = member.Tags[TagHTTP]

		case serf.EventMemberLeave:
			log.Printf("👋 Node left gracefully: %s", member.Name)
			delete(c.stores, member.Name)

		case serf.EventMemberFailed:
			log.Printf("💀 Node failed: %s", member.Name)
			delete(c.stores, member.Name)

		case serf.EventMemberReap:
			log.Printf("🗑️  Node reaped: %s", member.Name)
			delete(c.stores, member.Name)
		}
	}
	after := c.storeURLLocked()
	online := len(c.stores) > 0

	var onlineFns []func()
	if storeJoined {
		for _, fn := range c.onlineSubs {
			onlineFns = append(onlineFns, fn)
		}
	}
	var urlFns []func(string)
	if after != before && after != "" {
		for _, fn := range c.storeSubs {
			urlFns = append(urlFns, fn)
		}
	}
	c.mu.Unlock()

	// URL first so the online trigger finds the remote configured.
	if len(urlFns) > 0 {
		log.Printf("📡 Using store at %s", after)
	}
	for _, fn := range urlFns {
		fn(after)
	}
	if storeJoined {
		log.Println("✅ Store reachable, connectivity restored")
	}
	for _, fn := range onlineFns {
		fn()
	}
	if !online && before != "" {
		log.Println("⚠️  No store reachable, working offline")
	}
}

// handleUserEvent handles custom user events (device status)
func (c *Cluster) handleUserEvent(event serf.UserEvent) {
	switch event.Name {
	case EventDeviceStatus:
		c.handleDeviceStatus(event.Payload)
	default:
		log.Printf("Unknown user event: %s", event.Name)
	}
}

// handleDeviceStatus logs status reports of other devices
func (c *Cluster) handleDeviceStatus(payload []byte) {
	var event DeviceStatusEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		log.Printf("❌ Failed to unmarshal device status event: %v", err)
		return
	}

	// Skip if from myself
	if event.NodeID == c.nodeID {
		return
	}

	switch {
	case event.Error != "":
		log.Printf("📥 %s on %s: %s (%s), %d pending", event.Kind, event.NodeID, event.Operation, event.Error, event.Pending)
	case event.Reason != "":
		log.Printf("📥 %s on %s: %s, %d pending", event.Kind, event.NodeID, event.Reason, event.Pending)
	default:
		log.Printf("📥 %s on %s, %d pending", event.Kind, event.NodeID, event.Pending)
	}
}
