package backend

import (
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ha1tch/pglite/pkg/errors"
	"github.com/ha1tch/pglite/pkg/log"
)

// blackhole is the sentinel path key used when no dbpath metadata is
// present, so the Pool can still key uniformly.
const blackhole = "blackhole"

// Handle is the cheap, cloneable reference a connection holds to a
// worker: just the write end of its inbound queue.
type Handle struct {
	inbox chan<- Request
}

// Send delivers a request to the worker behind this handle. It never
// blocks on the response; callers race the response channel against
// their own timeout.
//
// A graceful Pool.Close can close a worker's inbox between Acquire and
// Send (stop() closes it, rather than waiting for self-eviction's
// lazier path), which would otherwise panic the caller's goroutine on
// send-to-closed-channel. That case is recovered here and reported to
// the caller as an ordinary backend-closed error instead.
func (h Handle) Send(req Request) {
	defer func() {
		if recover() != nil {
			select {
			case req.ReplyTo <- Response{Err: errors.BackendClosed().Err()}:
			default:
			}
		}
	}()
	h.inbox <- req
}

// Pool maps a Database Path Key to a live Worker, spawning workers on
// demand and letting them self-evict. Concurrency follows a
// double-checked read-then-write lock around the map, never held across
// a channel send or SQLite call.
type Pool struct {
	dbRoot      string
	idleTimeout time.Duration
	logger      *log.Logger

	mu      sync.RWMutex
	workers map[string]*Worker

	created int64
	evicted int64
}

// NewPool creates a Pool rooted at dbRoot, evicting idle workers after
// idleTimeout.
func NewPool(dbRoot string, idleTimeout time.Duration, logger *log.Logger) *Pool {
	return &Pool{
		dbRoot:      dbRoot,
		idleTimeout: idleTimeout,
		logger:      logger,
		workers:     make(map[string]*Worker),
	}
}

// keyFor computes the Database Path Key: db_root joined with the
// connection's dbpath metadata, defaulting to the blackhole sentinel
// when dbpath is absent.
func (p *Pool) keyFor(dbpath string) (key, path string) {
	if dbpath == "" {
		dbpath = blackhole
	}
	path = filepath.Join(p.dbRoot, dbpath)
	return path, path
}

// Acquire returns a Handle to the worker serving dbpath, spawning one if
// none is live, via a double-checked read-then-write lock.
func (p *Pool) Acquire(dbpath string) (Handle, error) {
	key, path := p.keyFor(dbpath)

	p.mu.RLock()
	w, ok := p.workers[key]
	p.mu.RUnlock()
	if ok {
		return Handle{inbox: w.inbox}, nil
	}

	p.mu.Lock()
	if w, ok = p.workers[key]; ok {
		p.mu.Unlock()
		return Handle{inbox: w.inbox}, nil
	}

	w, err := newWorker(key, path, p.idleTimeout, p.logger, p.onEvict)
	if err != nil {
		p.mu.Unlock()
		return Handle{}, err
	}
	p.workers[key] = w
	p.mu.Unlock()

	atomic.AddInt64(&p.created, 1)
	p.logger.System().Info("backend worker spawned", "key", key, "path", path)
	go w.run()

	return Handle{inbox: w.inbox}, nil
}

// onEvict is called by a worker on self-termination. It removes the
// worker's own Pool entry before the worker closes its SQLite handle,
// never closing the handle on the Pool's behalf.
func (p *Pool) onEvict(key string) {
	p.mu.Lock()
	delete(p.workers, key)
	p.mu.Unlock()
	atomic.AddInt64(&p.evicted, 1)
	p.logger.System().Info("backend worker evicted", "key", key)
}

// Stats reports lifetime creation/eviction counts: created minus
// evicted never exceeds 1 per key at any instant, summed across keys
// here for whole-pool observability.
func (p *Pool) Stats() (created, evicted, live int64) {
	p.mu.RLock()
	live = int64(len(p.workers))
	p.mu.RUnlock()
	return atomic.LoadInt64(&p.created), atomic.LoadInt64(&p.evicted), live
}

// Close signals every live worker to stop by closing its inbox; each
// worker then self-evicts and closes its SQLite handle on its own
// goroutine. Close returns without waiting for that to finish.
// Used during graceful shutdown.
func (p *Pool) Close() {
	p.mu.RLock()
	workers := make([]*Worker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.mu.RUnlock()

	for _, w := range workers {
		w.stop()
	}
}
