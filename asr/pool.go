package asr

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// SweepInterval is how often the pool looks for idle connections.
const SweepInterval = 60 * time.Second

// DialFunc produces a connected, stream-configured client ready for
// immediate use.
type DialFunc func(ctx context.Context) (*Client, error)

type PoolConfig struct {
	Min     int
	Max     int
	MaxIdle time.Duration
}

type pooledConn struct {
	client    *Client
	createdAt time.Time
	lastUsed  time.Time
	inUse     bool
	owner     string
}

// Stats is a consistent snapshot of pool state.
type Stats struct {
	Total        int `json:"total_connections"`
	Active       int `json:"active_connections"`
	Idle         int `json:"idle_connections"`
	ActiveOwners int `json:"active_users"`
	Min          int `json:"min_connections"`
	Max          int `json:"max_connections"`
}

// Pool manages a bounded set of recognition connections shared across
// sessions. Every mutation runs under one mutex; connections are owned
// exclusively by the pool and only borrowed by sessions.
type Pool struct {
	cfg  PoolConfig
	dial DialFunc
	log  *log.Logger

	mu     sync.Mutex
	conns  []*pooledConn
	owners map[string]*pooledConn

	stop    chan struct{}
	stopped bool
}

func NewPool(cfg PoolConfig, dial DialFunc, logger *log.Logger) *Pool {
	return &Pool{
		cfg:    cfg,
		dial:   dial,
		log:    logger,
		owners: make(map[string]*pooledConn),
		stop:   make(chan struct{}),
	}
}

// Initialize eagerly creates the minimum number of connections and
// starts the idle sweep. Creation failures are logged, not fatal: the
// pool fills back up on demand.
func (p *Pool) Initialize(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.log.Info("initializing pool", "min", p.cfg.Min, "max", p.cfg.Max)

	for i := 0; i < p.cfg.Min; i++ {
		pc, err := p.create(ctx)
		if err != nil {
			p.log.Error("create pooled connection", "error", err)
			continue
		}
		p.conns = append(p.conns, pc)
	}

	p.log.Info("pool initialized", "connections", len(p.conns))

	go p.sweepLoop()
}

// Acquire returns the connection bound to owner, binding a free or
// freshly created one if needed. A nil client with nil error means the
// pool is exhausted; the caller decides what that costs.
func (p *Pool) Acquire(ctx context.Context, owner string) (*Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if pc, ok := p.owners[owner]; ok {
		if pc.client.Connected() {
			pc.lastUsed = time.Now()
			return pc.client, nil
		}
		// Bound connection died; drop it entirely so a live one can
		// take its place.
		p.unbindLocked(owner)
		p.removeLocked(pc)
		pc.client.Disconnect()
	}

	for _, pc := range p.conns {
		if !pc.inUse && pc.client.Connected() {
			p.bindLocked(pc, owner)
			p.log.Info("assigned pooled connection", "owner", owner)
			return pc.client, nil
		}
	}

	if len(p.conns) < p.cfg.Max {
		pc, err := p.create(ctx)
		if err != nil {
			p.log.Error("create connection for owner", "owner", owner, "error", err)
			return nil, err
		}
		p.conns = append(p.conns, pc)
		p.bindLocked(pc, owner)
		p.log.Info("created pooled connection", "owner", owner, "total", len(p.conns))
		return pc.client, nil
	}

	p.log.Warn("pool exhausted", "owner", owner)
	return nil, nil
}

// Release unbinds the owner's connection and returns it to the free
// set for reuse. Safe to call for unknown owners.
func (p *Pool) Release(owner string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unbindLocked(owner)
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	active := 0
	for _, pc := range p.conns {
		if pc.inUse {
			active++
		}
	}
	return Stats{
		Total:        len(p.conns),
		Active:       active,
		Idle:         len(p.conns) - active,
		ActiveOwners: len(p.owners),
		Min:          p.cfg.Min,
		Max:          p.cfg.Max,
	}
}

// Shutdown stops the sweep, closes every connection, and clears all
// bookkeeping. Idempotent.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.stop)

	conns := p.conns
	p.conns = nil
	p.owners = make(map[string]*pooledConn)
	p.mu.Unlock()

	for _, pc := range conns {
		if err := pc.client.Disconnect(); err != nil {
			p.log.Error("close pooled connection", "error", err)
		}
	}
	p.log.Info("pool shut down")
}

// create dials and configures a new connection. Nothing is appended to
// bookkeeping unless it comes back fully usable.
func (p *Pool) create(ctx context.Context) (*pooledConn, error) {
	client, err := p.dial(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	return &pooledConn{client: client, createdAt: now, lastUsed: now}, nil
}

func (p *Pool) bindLocked(pc *pooledConn, owner string) {
	pc.inUse = true
	pc.owner = owner
	pc.lastUsed = time.Now()
	p.owners[owner] = pc
}

func (p *Pool) unbindLocked(owner string) {
	pc, ok := p.owners[owner]
	if !ok {
		return
	}
	pc.inUse = false
	pc.owner = ""
	pc.lastUsed = time.Now()
	delete(p.owners, owner)
}

func (p *Pool) removeLocked(target *pooledConn) {
	for i, pc := range p.conns {
		if pc == target {
			p.conns = append(p.conns[:i], p.conns[i+1:]...)
			return
		}
	}
}

func (p *Pool) sweepLoop() {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.sweepIdle(time.Now())
		}
	}
}

// sweepIdle closes free connections idle past the threshold without
// letting the pool drop below its minimum. Candidates are collected
// and removed from bookkeeping under the lock, then closed outside it.
func (p *Pool) sweepIdle(now time.Time) {
	p.mu.Lock()
	var victims []*pooledConn
	for _, pc := range p.conns {
		if pc.inUse {
			continue
		}
		if len(p.conns)-len(victims) <= p.cfg.Min {
			break
		}
		if now.Sub(pc.lastUsed) > p.cfg.MaxIdle {
			victims = append(victims, pc)
		}
	}
	for _, pc := range victims {
		p.removeLocked(pc)
	}
	remaining := len(p.conns)
	p.mu.Unlock()

	for _, pc := range victims {
		if err := pc.client.Disconnect(); err != nil {
			p.log.Error("close idle connection", "error", err)
		}
	}
	if len(victims) > 0 {
		p.log.Info("swept idle connections", "closed", len(victims), "remaining", remaining)
	}
}
