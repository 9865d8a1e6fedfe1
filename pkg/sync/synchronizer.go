package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/sink/pkg/entity"
	"github.com/cuemby/sink/pkg/notify"
	"github.com/cuemby/sink/pkg/pipeline"
	"github.com/cuemby/sink/pkg/queue"
	"github.com/cuemby/sink/pkg/secretstore"
	"github.com/cuemby/sink/pkg/sid"
	"github.com/cuemby/sink/pkg/store"
)

// requestChannelBuffer bounds how many requests Submit may accept before it
// starts blocking the caller.
const requestChannelBuffer = 64

// Config is the collaborators and type registry one Synchronizer needs
// (spec §4.6: one synchronizer per source resource). ResourceID identifies
// the secret this synchronizer blocks on via secrets.Wait, matching the
// resource id the secret was Put under (spec §6.5).
type Config struct {
	EntityDB *store.DB // the entitystore, read-only from here
	SyncDB   *store.DB // the synchronizationstore, owned by this package

	Store    *entity.Store
	Pipeline *pipeline.Pipeline
	Bus      *notify.Bus
	Secrets  *secretstore.Store

	ResourceID string
	Adaptor    SourceAdaptor

	// ReplicatedTypes is every entity type this source replicates, each
	// with its own remote-id map.
	ReplicatedTypes []string
}

// Synchronizer is spec §4.6's single-threaded cooperative scheduler over one
// source: one goroutine (run) drains an internal request queue, dispatching
// by Request.Kind, so no two requests against this source ever execute
// concurrently.
type Synchronizer struct {
	entityDB *store.DB
	syncDB   *store.DB
	es       *entity.Store
	pipe     *pipeline.Pipeline
	bus      *notify.Bus
	secrets  *secretstore.Store

	resourceID      string
	adaptor         SourceAdaptor
	replicatedTypes map[string]bool
	remoteIDMaps    map[string]*RemoteIDMap
	replayQueue     *queue.Queue

	reqs chan *Request
	quit chan struct{}
	done chan struct{}

	mu       sync.Mutex
	pending  []*Request // Synchronize requests not yet dispatched, for coalescing
	loggedIn bool
	opCancel context.CancelFunc // cancels whatever request dispatch is currently blocked in, if any
	stopOnce sync.Once
}

// New constructs a Synchronizer. Call Bootstrap once, then Start.
func New(cfg Config) *Synchronizer {
	replicated := make(map[string]bool, len(cfg.ReplicatedTypes))
	maps := make(map[string]*RemoteIDMap, len(cfg.ReplicatedTypes))
	for _, typ := range cfg.ReplicatedTypes {
		replicated[typ] = true
		maps[typ] = NewRemoteIDMap(typ)
	}
	return &Synchronizer{
		entityDB:        cfg.EntityDB,
		syncDB:          cfg.SyncDB,
		es:              cfg.Store,
		pipe:            cfg.Pipeline,
		bus:             cfg.Bus,
		secrets:         cfg.Secrets,
		resourceID:      cfg.ResourceID,
		adaptor:         cfg.Adaptor,
		replicatedTypes: replicated,
		remoteIDMaps:    maps,
		replayQueue:     queue.New("synchronizer"),
		reqs:            make(chan *Request, requestChannelBuffer),
		quit:            make(chan struct{}),
		done:            make(chan struct{}),
	}
}

// Bootstrap creates every sub-database this synchronizer owns in the
// synchronizationstore: the replay queue, the high-watermark cursor, and one
// remote-id map per replicated type.
func (s *Synchronizer) Bootstrap() error {
	if err := bootstrapHighWatermark(s.syncDB); err != nil {
		return err
	}
	if err := s.replayQueue.Bootstrap(s.syncDB); err != nil {
		return err
	}
	for typ, m := range s.remoteIDMaps {
		if err := m.Bootstrap(s.syncDB); err != nil {
			return fmt.Errorf("sync: bootstrap %s: %w", typ, err)
		}
	}
	return nil
}

// Start launches the run loop in its own goroutine.
func (s *Synchronizer) Start() {
	go s.run()
}

// Stop signals the run loop to exit once its current request finishes, and
// waits for it to do so.
func (s *Synchronizer) Stop() {
	s.stopOnce.Do(func() {
		close(s.quit)
		<-s.done
	})
}

// Submit enqueues req, applying spec §4.6's queue discipline, and returns a
// Handle the caller may Wait on.
//
//   - Synchronize: coalesces with any not-yet-dispatched Synchronize whose
//     scope overlaps, widening the pending one to the broader scope and
//     resolving this call's Handle alongside it (both callers see the same
//     outcome).
//   - Flush: does not itself do work; the run loop resolves it once the
//     sub-queue named by FlushQueue has drained past this point.
//   - Logout: cancels (resolves with ErrCancelled) every pending
//     Synchronize not yet dispatched, then proceeds.
//
// All other kinds are appended to the FIFO unchanged.
func (s *Synchronizer) Submit(req *Request) *Handle {
	req.done = make(chan error, 1)

	s.mu.Lock()
	switch req.Kind {
	case Synchronize:
		for _, p := range s.pending {
			if p.Kind == Synchronize && scopeOverlaps(p.Scope, req.Scope) {
				p.Scope = broaderScope(p.Scope, req.Scope)
				p.waiters = append(p.waiters, req.done)
				s.mu.Unlock()
				return &Handle{req: req}
			}
		}
		s.pending = append(s.pending, req)
	case Logout:
		for _, p := range s.pending {
			if p.Kind == Synchronize {
				p.cancelled = true
				s.resolve(p, ErrCancelled)
			}
		}
		s.pending = nil
		// A Logout is queued behind run()'s single dispatch loop the same as
		// everything else, so if a Synchronize/Login is already dispatched
		// and blocked (e.g. on secrets.Wait), Logout would never get a turn
		// to cancel it. Cancel the in-flight operation's context directly,
		// from the submitting goroutine, instead of waiting for a turn.
		if s.opCancel != nil {
			s.opCancel()
		}
	}
	s.mu.Unlock()

	select {
	case s.reqs <- req:
	case <-s.quit:
		s.resolve(req, ErrClosed)
	}
	return &Handle{req: req}
}

// resolve delivers err to req's own waiter and every request coalesced onto
// it via Submit's Synchronize-overlap merge.
func (s *Synchronizer) resolve(req *Request, err error) {
	req.done <- err
	for _, w := range req.waiters {
		w <- err
	}
}

func (s *Synchronizer) run() {
	defer close(s.done)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	failures := 0

	for {
		select {
		case <-s.quit:
			s.drainPending(ErrClosed)
			return
		case req := <-s.reqs:
			s.dispatch(req)
		case <-ticker.C:
			// idle tick: keep draining the replay queue between explicit
			// requests (spec §4.6's change replay runs continuously, not
			// only in response to a Synchronize request).
			advanced, err := s.pumpReplayQueue(context.Background())
			if err != nil {
				failures++
				select {
				case <-time.After(backoffDelay(failures)):
				case <-s.quit:
					s.drainPending(ErrClosed)
					return
				}
				continue
			}
			if advanced {
				failures = 0
			}
		}
	}
}

func (s *Synchronizer) drainPending(err error) {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, p := range pending {
		s.resolve(p, err)
	}
}

func (s *Synchronizer) dispatch(req *Request) {
	ctx, proceed := s.prepareDispatch(req)
	if !proceed {
		// Already resolved with ErrCancelled while it sat in s.pending; it
		// still had to flow through s.reqs so run() stays strictly FIFO,
		// but it must not run (and must not be resolved a second time).
		return
	}
	defer s.endOp()

	switch req.Kind {
	case Synchronize:
		s.resolve(req, s.handleSynchronize(ctx, req.Scope))
	case ReplayChange:
		_, err := s.pumpReplayQueue(ctx)
		s.resolve(req, err)
	case Inspect:
		report, err := s.adaptor.Inspect(ctx, req.InspectSpec)
		if err == nil {
			s.publishInfo(report)
		}
		s.resolve(req, err)
	case Flush:
		s.resolve(req, s.handleFlush(req))
	case Login:
		s.resolve(req, s.handleLogin(ctx))
	case Logout:
		s.resolve(req, s.handleLogout(ctx))
	default:
		s.resolve(req, fmt.Errorf("sync: unknown request kind %v", req.Kind))
	}
}

func (s *Synchronizer) endOp() {
	s.mu.Lock()
	s.opCancel = nil
	s.mu.Unlock()
}

// prepareDispatch removes req from the pending-coalescing list and, in the
// same critical section, checks whether a racing Logout already cancelled
// it and opens the cancellable context for its execution — all atomically,
// so a Logout's Submit can never land in the gap between "no longer
// pending" and "dispatch has started" and miss cancelling it.
func (s *Synchronizer) prepareDispatch(req *Request) (context.Context, bool) {
	s.mu.Lock()
	for i, p := range s.pending {
		if p == req {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			break
		}
	}
	if req.cancelled {
		s.mu.Unlock()
		return nil, false
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.opCancel = cancel
	s.mu.Unlock()
	return ctx, true
}

// handleSynchronize runs spec §4.6's Synchronize(scope): log in if needed,
// pull the source's current state, reconcile it via create_or_modify, scan
// for removals where the adaptor reported a complete enumeration, then run
// the change-replay scan so anything queued locally starts flowing out.
func (s *Synchronizer) handleSynchronize(ctx context.Context, scope string) error {
	if err := s.ensureLoggedIn(ctx); err != nil {
		s.publishStatus(notify.CodeAuthError, err.Error())
		return err
	}

	s.publishStatus(notify.CodeSyncInProgress, "synchronize started")
	result, err := s.adaptor.Synchronize(ctx, scope)
	if err != nil {
		s.publishStatus(notify.CodeConnectionError, err.Error())
		return err
	}

	present := make(map[string]bool, len(result.Records))
	for _, rec := range result.Records {
		present[rec.RemoteID] = true
		if _, err := s.createOrModify(result.Type, rec.RemoteID, rec.Props, nil); err != nil {
			s.publishStatus(notify.CodeSyncError, err.Error())
			return err
		}
	}

	if result.Complete {
		if _, err := s.scanForRemovals(result.Type, func(remoteID string) bool { return present[remoteID] }); err != nil {
			s.publishStatus(notify.CodeSyncError, err.Error())
			return err
		}
	}

	if err := s.scanForReplay(); err != nil {
		return err
	}
	for {
		advanced, err := s.pumpReplayQueue(ctx)
		if err != nil {
			if IsTransient(err) {
				break // leave remaining items for the idle pump's backoff
			}
			return err
		}
		if !advanced {
			break
		}
	}

	s.publishStatus(notify.CodeSyncSuccess, "synchronize complete")
	return nil
}

// handleFlush implements spec §4.6's three Flush variants. FlushUserQueue
// submits a pipeline flush barrier and resolves once the pipeline has
// committed everything submitted before it (the pipeline publishes that
// barrier's FlushCompletion). FlushReplayQueue pumps the replay queue until
// it is empty. FlushSynchronization
// resolves once every Synchronize request ahead of it (including one
// currently in flight, by virtue of the FIFO) has completed — which is
// already guaranteed simply by this request having reached the front of the
// queue, since dispatch is strictly sequential.
func (s *Synchronizer) handleFlush(req *Request) error {
	switch req.FlushQueue {
	case FlushReplayQueue:
		for {
			rt, err := s.syncDB.BeginRead()
			if err != nil {
				return err
			}
			n, err := s.replayQueue.Len(rt)
			rt.Rollback()
			if err != nil {
				return err
			}
			if n == 0 {
				break
			}
			if _, err := s.pumpReplayQueue(context.Background()); err != nil && IsTransient(err) {
				return err
			}
		}
	case FlushUserQueue:
		res := s.pipe.Submit(pipeline.Command{Kind: pipeline.FlushBarrier, FlushID: req.FlushID})
		return res.Err
	case FlushSynchronization:
		// Reaching dispatch already means every request submitted before
		// this Flush has been processed in order (spec §4.6's ordering
		// guarantee); nothing further to wait on.
	}
	s.bus.Publish(notify.Notification{Type: notify.TypeFlushCompletion, ID: req.FlushID, Timestamp: time.Now()})
	return nil
}

func (s *Synchronizer) ensureLoggedIn(ctx context.Context) error {
	s.mu.Lock()
	loggedIn := s.loggedIn
	s.mu.Unlock()
	if loggedIn {
		return nil
	}
	return s.handleLogin(ctx)
}

// handleLogin blocks (without blocking any other synchronizer) until the
// resource's secret is available, then authenticates the adaptor (spec
// §4.6: "Login blocks on secretstore.Wait for the resource id").
func (s *Synchronizer) handleLogin(ctx context.Context) error {
	secret, err := s.secrets.Wait(ctx, s.resourceID)
	if err != nil {
		return err
	}
	if err := s.adaptor.Login(ctx, secret); err != nil {
		s.publishStatus(notify.CodeAuthError, err.Error())
		return err
	}
	s.mu.Lock()
	s.loggedIn = true
	s.mu.Unlock()
	s.publishStatus(notify.CodeConnected, "logged in")
	return nil
}

func (s *Synchronizer) handleLogout(ctx context.Context) error {
	s.mu.Lock()
	s.loggedIn = false
	s.mu.Unlock()
	err := s.adaptor.Logout(ctx)
	s.publishStatus(notify.CodeNone, "logged out")
	return err
}

func (s *Synchronizer) publishStatus(code notify.Code, message string) {
	s.bus.Publish(notify.Notification{
		Type:      notify.TypeStatus,
		Code:      code,
		ID:        s.resourceID,
		Message:   message,
		Timestamp: time.Now(),
	})
}

func (s *Synchronizer) publishSyncStatus(code notify.Code, entities []sid.ID, message string) {
	s.bus.Publish(notify.Notification{
		Type:      notify.TypeSyncStatus,
		Code:      code,
		ID:        s.resourceID,
		Entities:  entities,
		Message:   message,
		Timestamp: time.Now(),
	})
}

func (s *Synchronizer) publishInfo(message string) {
	s.bus.Publish(notify.Notification{
		Type:      notify.TypeInfo,
		ID:        s.resourceID,
		Message:   message,
		Timestamp: time.Now(),
	})
}
