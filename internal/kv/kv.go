// Package kv is a typed wrapper over the cluster's Consul KV, session
// (lease), and service-catalog primitives (C3 in the design). It turns
// the generic consul/api client into the handful of operations the
// bootstrap decider and control loop actually need.
package kv

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	consulapi "github.com/hashicorp/consul/api"

	"github.com/jnidzwetzki/mysql-ha-cloud/internal/identity"
)

const (
	kvPrefix        = "mcm/"
	kvServerID      = kvPrefix + "server_id"
	instancesPath   = kvPrefix + "instances/"
	leaderPath      = kvPrefix + "replication_leader"
	healthSessionTTL = 15 * time.Second
	autoRenewInterval = 2 * time.Second
	serverIDRetries = 100
	mysqlServicePort = 3306
)

// Errors returned by Client operations.
var (
	// ErrServerIDExhausted is returned by AllocateServerID once the CAS
	// retry budget is exhausted.
	ErrServerIDExhausted = errors.New("kv: unable to allocate server id, retries exhausted")
	// ErrRegistrationConflict is returned by RegisterNode when the
	// node-registration key is already held by another session.
	ErrRegistrationConflict = errors.New("kv: node registration key is held by another session")
)

// Node is the JSON value stored at mcm/instances/<ip>.
type Node struct {
	IPAddress    string `json:"ip_address"`
	ServerID     int    `json:"server_id"`
	MySQLVersion string `json:"mysql_version"`
}

type serverIDCounter struct {
	LastUsedID int `json:"last_used_id"`
}

type leaderRecord struct {
	IPAddress string `json:"ip_address"`
}

// Client wraps a consul/api client with the cluster manager's KV, lease
// and service-catalog operations.
type Client struct {
	consul *consulapi.Client
	ip     string
	logger *slog.Logger

	mu             sync.Mutex
	healthLease    string
	activeSessions []string

	renewMu      sync.Mutex
	renewRunning bool
	renewStop    chan struct{}
	renewDone    chan struct{}
}

// NewClient creates a Client against the local Consul agent and resolves
// this node's IP address from iface using resolver.
func NewClient(iface string, resolver identity.Resolver, logger *slog.Logger) (*Client, error) {
	cfg := consulapi.DefaultConfig()
	consul, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating consul client: %w", err)
	}

	ip, err := resolver.LocalIP(iface)
	if err != nil {
		return nil, fmt.Errorf("resolving local ip: %w", err)
	}

	return &Client{
		consul: consul,
		ip:     ip,
		logger: logger,
	}, nil
}

// LocalIP returns this node's resolved IP address, doubling as its
// cluster identity.
func (c *Client) LocalIP() string {
	return c.ip
}

// CreateHealthLease creates this node's health lease: TTL=15s,
// lock_delay=0, behavior=delete. All KV entries this node owns are
// acquired under it, so its expiry (at ~2*TTL without renewal) removes
// them.
func (c *Client) CreateHealthLease() (string, error) {
	entry := &consulapi.SessionEntry{
		Name:      "mcm/instances",
		TTL:       healthSessionTTL.String(),
		LockDelay: 0,
		Behavior:  consulapi.SessionBehaviorDelete,
	}

	id, _, err := c.consul.Session().Create(entry, nil)
	if err != nil {
		return "", fmt.Errorf("creating health session: %w", err)
	}

	c.mu.Lock()
	c.healthLease = id
	c.activeSessions = append(c.activeSessions, id)
	c.mu.Unlock()

	c.logger.Info("created health lease", "session", id)
	return id, nil
}

// RenewAll synchronously renews every active session once. Used by the
// control loop's session-refresh tick.
func (c *Client) RenewAll() error {
	c.mu.Lock()
	sessions := append([]string(nil), c.activeSessions...)
	c.mu.Unlock()

	var firstErr error
	for _, session := range sessions {
		if _, _, err := c.consul.Session().Renew(session, nil); err != nil {
			c.logger.Warn("renewing session failed", "session", session, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// StartAutoRenew spawns a goroutine that renews every active session
// every 2s until StopAutoRenew is called. Idempotent: calling it while
// already running is a no-op.
func (c *Client) StartAutoRenew() {
	c.renewMu.Lock()
	defer c.renewMu.Unlock()

	if c.renewRunning {
		return
	}

	c.renewRunning = true
	c.renewStop = make(chan struct{})
	c.renewDone = make(chan struct{})

	stop := c.renewStop
	done := c.renewDone

	go func() {
		defer close(done)
		ticker := time.NewTicker(autoRenewInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := c.RenewAll(); err != nil {
					c.logger.Warn("auto-renew pass had errors", "error", err)
				}
			}
		}
	}()

	c.logger.Debug("auto-renew started")
}

// StopAutoRenew stops the auto-renew goroutine and waits for it to
// exit. Idempotent: calling it while not running is a no-op.
func (c *Client) StopAutoRenew() {
	c.renewMu.Lock()
	if !c.renewRunning {
		c.renewMu.Unlock()
		return
	}
	stop := c.renewStop
	done := c.renewDone
	c.renewRunning = false
	c.renewMu.Unlock()

	close(stop)
	<-done
	c.logger.Debug("auto-renew stopped")
}

// AllocateServerID allocates a cluster-unique, monotonically increasing
// server id via compare-and-swap against mcm/server_id. Retries up to
// serverIDRetries times.
func (c *Client) AllocateServerID() (int, error) {
	kvClient := c.consul.KV()

	for attempt := 0; attempt < serverIDRetries; attempt++ {
		pair, _, err := kvClient.Get(kvServerID, nil)
		if err != nil {
			return 0, fmt.Errorf("reading server id counter: %w", err)
		}

		if pair == nil || len(pair.Value) == 0 {
			payload, _ := json.Marshal(serverIDCounter{LastUsedID: 1})
			ok, _, err := kvClient.CAS(&consulapi.KVPair{
				Key:   kvServerID,
				Value: payload,
			}, nil)
			if err != nil {
				return 0, fmt.Errorf("creating server id counter: %w", err)
			}
			if ok {
				return 1, nil
			}
			continue
		}

		var counter serverIDCounter
		if err := json.Unmarshal(pair.Value, &counter); err != nil {
			return 0, fmt.Errorf("decoding server id counter: %w", err)
		}

		counter.LastUsedID = nextServerID(counter.LastUsedID)
		payload, _ := json.Marshal(counter)

		ok, _, err := kvClient.CAS(&consulapi.KVPair{
			Key:         kvServerID,
			Value:       payload,
			ModifyIndex: pair.ModifyIndex,
		}, nil)
		if err != nil {
			return 0, fmt.Errorf("updating server id counter: %w", err)
		}
		if ok {
			return counter.LastUsedID, nil
		}
	}

	return 0, ErrServerIDExhausted
}

// LookupServerID returns the server id this node was previously
// registered with at mcm/instances/<ip>, or ok=false if this node has
// never registered. Used by standalone operations that restart mysqld
// without re-running the bootstrap sequence, so they reuse the node's
// existing identity instead of allocating a new one.
func (c *Client) LookupServerID() (serverID int, ok bool, err error) {
	pair, _, err := c.consul.KV().Get(instancesPath+c.ip, nil)
	if err != nil {
		return 0, false, fmt.Errorf("reading node registration for %s: %w", c.ip, err)
	}
	if pair == nil {
		return 0, false, nil
	}

	var node Node
	if err := json.Unmarshal(pair.Value, &node); err != nil {
		return 0, false, fmt.Errorf("decoding node registration for %s: %w", c.ip, err)
	}
	return node.ServerID, true, nil
}

// nextServerID computes the next server id to hand out given the
// last one used. Pulled out as a pure function so the allocation
// sequence is unit testable without a live Consul CAS loop.
func nextServerID(lastUsedID int) int {
	return lastUsedID + 1
}

// ownsSession reports whether a KV pair's session matches our own
// health lease, i.e. we are the one holding it.
func ownsSession(pairSession, healthLease string) bool {
	return pairSession != "" && pairSession == healthLease
}

// RegisterNode writes this node's registration key at
// mcm/instances/<ip>, acquired under the health lease.
func (c *Client) RegisterNode(version string, serverID int) error {
	c.mu.Lock()
	lease := c.healthLease
	c.mu.Unlock()

	node := Node{IPAddress: c.ip, ServerID: serverID, MySQLVersion: version}
	payload, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("encoding node record: %w", err)
	}

	ok, _, err := c.consul.KV().Acquire(&consulapi.KVPair{
		Key:     instancesPath + c.ip,
		Value:   payload,
		Session: lease,
	}, nil)
	if err != nil {
		return fmt.Errorf("registering node %s: %w", c.ip, err)
	}
	if !ok {
		return ErrRegistrationConflict
	}

	return nil
}

// ListNodes returns the sorted list of advertised node IPs.
func (c *Client) ListNodes() ([]string, error) {
	pairs, _, err := c.consul.KV().List(instancesPath, nil)
	if err != nil {
		return nil, fmt.Errorf("listing registered nodes: %w", err)
	}

	var ips []string
	for _, pair := range pairs {
		var node Node
		if err := json.Unmarshal(pair.Value, &node); err != nil {
			c.logger.Error("invalid node record, skipping", "key", pair.Key, "error", err)
			continue
		}
		if node.IPAddress == "" {
			c.logger.Error("ip_address missing in node record, skipping", "key", pair.Key)
			continue
		}
		ips = append(ips, node.IPAddress)
	}

	sort.Strings(ips)
	return ips, nil
}

// TryBecomeLeader attempts to acquire the replication-leader key under
// the health lease, but only if it is currently absent. Returns true on
// win. A key already owned by our own session is reported as not a win
// — we already hold it and should not re-register.
func (c *Client) TryBecomeLeader() (bool, error) {
	pair, _, err := c.consul.KV().Get(leaderPath, nil)
	if err != nil {
		return false, fmt.Errorf("reading leader key: %w", err)
	}

	if pair != nil {
		return false, nil
	}

	c.mu.Lock()
	lease := c.healthLease
	c.mu.Unlock()

	payload, err := json.Marshal(leaderRecord{IPAddress: c.ip})
	if err != nil {
		return false, fmt.Errorf("encoding leader record: %w", err)
	}

	won, _, err := c.consul.KV().Acquire(&consulapi.KVPair{
		Key:     leaderPath,
		Value:   payload,
		Session: lease,
	}, nil)
	if err != nil {
		return false, fmt.Errorf("acquiring leader key: %w", err)
	}

	if won {
		c.logger.Info("became replication leader")
	}

	return won, nil
}

// IsLeader reports whether the current leader key exists and is owned
// by our own health lease.
func (c *Client) IsLeader() (bool, error) {
	pair, _, err := c.consul.KV().Get(leaderPath, nil)
	if err != nil {
		return false, fmt.Errorf("reading leader key: %w", err)
	}
	if pair == nil {
		return false, nil
	}

	c.mu.Lock()
	lease := c.healthLease
	c.mu.Unlock()

	return ownsSession(pair.Session, lease), nil
}

// LeaderIP returns the current leader's IP, or "" if no leader is
// registered.
func (c *Client) LeaderIP() (string, error) {
	pair, _, err := c.consul.KV().Get(leaderPath, nil)
	if err != nil {
		return "", fmt.Errorf("reading leader key: %w", err)
	}
	if pair == nil {
		return "", nil
	}

	var record leaderRecord
	if err := json.Unmarshal(pair.Value, &record); err != nil {
		return "", fmt.Errorf("decoding leader record: %w", err)
	}
	return record.IPAddress, nil
}

// RegisterService re-registers this node's MySQL instance in the
// service catalog as mysql_<ip>, tagged leader or follower. Any
// pre-existing entry with the same id is deregistered first.
func (c *Client) RegisterService(isLeader bool) error {
	serviceID := fmt.Sprintf("mysql_%s", c.ip)

	existing, err := c.consul.Agent().Services()
	if err != nil {
		return fmt.Errorf("listing agent services: %w", err)
	}
	if _, ok := existing[serviceID]; ok {
		if err := c.consul.Agent().ServiceDeregister(serviceID); err != nil {
			return fmt.Errorf("deregistering stale service %s: %w", serviceID, err)
		}
	}

	tag := "follower"
	if isLeader {
		tag = "leader"
	}

	reg := &consulapi.AgentServiceRegistration{
		ID:   serviceID,
		Name: "mysql",
		Port: mysqlServicePort,
		Tags: []string{tag},
	}

	if err := c.consul.Agent().ServiceRegister(reg); err != nil {
		return fmt.Errorf("registering service %s: %w", serviceID, err)
	}

	c.logger.Info("registered service", "service_id", serviceID, "tag", tag)
	return nil
}
