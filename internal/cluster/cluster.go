package cluster

import (
	"fmt"
	"log"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/serf/serf"

	"github.com/c.mueller/offline-sync/internal/models"
)

// Options configures a cluster member
type Options struct {
	NodeName      string
	BindAddr      string
	AdvertiseAddr string
	Role          string
	// HTTPURL is advertised in the http tag, e.g. "http://10.0.0.4:8080".
	HTTPURL    string
	EncryptKey []byte
}

// Cluster manages Serf membership. On a device it doubles as the
// connectivity signal: the device is online while a store member is alive.
type Cluster struct {
	serf     *serf.Serf
	nodeID   string
	role     string
	eventCh  chan serf.Event
	shutdown chan struct{}
	readyCh  chan struct{}

	mu          sync.Mutex
	ready       bool
	stopped     bool
	stores      map[string]string // alive store name -> http url
	nextSub     int
	onlineSubs  map[int]func()
	storeSubs   map[int]func(url string)
	queueStatus func() QueueDepth
}

func newCluster(nodeID, role string) *Cluster {
	return &Cluster{
		nodeID:     nodeID,
		role:       role,
		eventCh:    make(chan serf.Event, 256),
		shutdown:   make(chan struct{}),
		readyCh:    make(chan struct{}),
		stores:     map[string]string{},
		onlineSubs: map[int]func(){},
		storeSubs:  map[int]func(string){},
	}
}

// New creates a new Cluster instance
func New(opts Options) (*Cluster, error) {
	// Parse bind address (format: "IP:Port")
	host, portStr, err := net.SplitHostPort(opts.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid bind address %q: %w", opts.BindAddr, err)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port in bind address %q: %w", opts.BindAddr, err)
	}

	// Create Serf configuration
	config := serf.DefaultConfig()
	config.NodeName = opts.NodeName
	config.MemberlistConfig.BindAddr = host
	config.MemberlistConfig.BindPort = port
	if opts.AdvertiseAddr != "" {
		advHost, advPort, err := net.SplitHostPort(opts.AdvertiseAddr)
		if err != nil {
			return nil, fmt.Errorf("invalid advertise address %q: %w", opts.AdvertiseAddr, err)
		}
		config.MemberlistConfig.AdvertiseAddr = advHost
		config.MemberlistConfig.AdvertisePort, _ = strconv.Atoi(advPort)
	}
	if len(opts.EncryptKey) > 0 {
		config.MemberlistConfig.SecretKey = opts.EncryptKey
	}
	config.Tags = map[string]string{TagRole: opts.Role}
	if opts.HTTPURL != "" {
		config.Tags[TagHTTP] = opts.HTTPURL
	}

	cluster := newCluster(opts.NodeName, opts.Role)
	config.EventCh = cluster.eventCh

	// Create Serf instance
	serfInstance, err := serf.Create(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create serf: %w", err)
	}

	cluster.serf = serfInstance

	return cluster, nil
}

// Start starts the cluster and joins the seed nodes
func (c *Cluster) Start(seeds []string, joinTimeout time.Duration) error {
	// Start event handler
	go c.handleEvents()

	if len(seeds) == 0 {
		log.Println("ℹ️  No seeds configured, starting as first node")
		c.markReady()
		return nil
	}

	log.Printf("🔍 Attempting to join cluster via seeds: %v", seeds)

	// Retry logic
	maxRetries := 3
	var lastErr error
	deadline := time.Now().Add(joinTimeout)

	for i := 0; i < maxRetries; i++ {
		if i > 0 {
			backoff := time.Duration(i) * 2 * time.Second
			if joinTimeout > 0 && time.Now().Add(backoff).After(deadline) {
				break
			}
			log.Printf("⏳ Retry %d/%d in %v...", i+1, maxRetries, backoff)
			time.Sleep(backoff)
		}

		numJoined, err := c.serf.Join(seeds, true)
		if err != nil {
			lastErr = err
			log.Printf("⚠️  Join attempt %d failed: %v", i+1, err)
			continue
		}

		if numJoined > 0 {
			log.Printf("✅ Successfully joined %d nodes", numJoined)
			c.markReady()
			return nil
		}
	}

	// A device that cannot reach any seed keeps working offline and is
	// picked up when a store joins it later.
	if lastErr != nil {
		log.Printf("⚠️  Failed to join after %d attempts: %v", maxRetries, lastErr)
	} else {
		log.Println("ℹ️  No seeds responded, starting as first node")
	}
	log.Println("ℹ️  Continuing as standalone node")
	c.markReady()
	return nil
}

// Stop gracefully shuts down the cluster
func (c *Cluster) Stop() error {
	// Check if already stopped (idempotent)
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	c.mu.Unlock()

	log.Println("🛑 Shutting down cluster...")

	// Signal shutdown to event handler
	close(c.shutdown)

	if c.serf == nil {
		return nil
	}

	// Leave the cluster gracefully
	if err := c.serf.Leave(); err != nil {
		log.Printf("⚠️  Error leaving cluster: %v", err)
	}

	// Shutdown Serf
	if err := c.serf.Shutdown(); err != nil {
		return fmt.Errorf("failed to shutdown serf: %w", err)
	}

	log.Println("✅ Cluster shutdown complete")
	return nil
}

// Members returns the current cluster members
func (c *Cluster) Members() []serf.Member {
	return c.serf.Members()
}

// LocalNode returns the local node name
func (c *Cluster) LocalNode() string {
	return c.nodeID
}

// DeviceID identifies this device in last-writer annotations. It is the
// serf node name, which is unique within the cluster.
func (c *Cluster) DeviceID() string {
	return c.nodeID
}

// markReady marks the cluster as ready and signals waiting goroutines
func (c *Cluster) markReady() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ready {
		c.ready = true
		close(c.readyCh)
	}
}

// IsReady returns true once the join attempt has finished
func (c *Cluster) IsReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// GetMemberInfo returns information about all cluster members
func (c *Cluster) GetMemberInfo() []models.ClusterMemberInfo {
	members := c.serf.Members()
	info := make([]models.ClusterMemberInfo, len(members))

	for i, member := range members {
		info[i] = models.ClusterMemberInfo{
			Name:   member.Name,
			Addr:   member.Addr.String(),
			Status: member.Status.String(),
			Role:   member.Tags[TagRole],
			HTTP:   member.Tags[TagHTTP],
		}
	}

	return info
}

// MemberCount returns the number of cluster members
func (c *Cluster) MemberCount() int {
	return len(c.serf.Members())
}

// Online reports whether at least one store member is alive.
func (c *Cluster) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.stores) > 0
}

// StoreURL returns the http tag of an alive store, preferring the
// lexically smallest node name so all devices agree.
func (c *Cluster) StoreURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.storeURLLocked()
}

func (c *Cluster) storeURLLocked() string {
	names := make([]string, 0, len(c.stores))
	for name, url := range c.stores {
		if url != "" {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return ""
	}
	sort.Strings(names)
	return c.stores[names[0]]
}

// OnOnline registers fn to run whenever a store member joins or comes back.
func (c *Cluster) OnOnline(fn func()) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSub++
	id := c.nextSub
	c.onlineSubs[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.onlineSubs, id)
	}
}

// OnStoreURL registers fn to receive the store URL whenever it changes.
func (c *Cluster) OnStoreURL(fn func(url string)) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSub++
	id := c.nextSub
	c.storeSubs[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.storeSubs, id)
	}
}

// SetQueueStatus installs the provider answering queue-depth queries.
func (c *Cluster) SetQueueStatus(fn func() QueueDepth) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queueStatus = fn
}
