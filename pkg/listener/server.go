package listener

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/cuemby/sink/pkg/entity"
	"github.com/cuemby/sink/pkg/notify"
	"github.com/cuemby/sink/pkg/pipeline"
	"github.com/cuemby/sink/pkg/query"
	"github.com/cuemby/sink/pkg/secretstore"
	"github.com/cuemby/sink/pkg/sid"
	"github.com/cuemby/sink/pkg/store"
	gosync "github.com/cuemby/sink/pkg/sync"
)

// defaultIdleTimeout is how long the process waits with zero connected
// clients before calling OnIdle (spec §4.7, "idle-timeout configurable").
const defaultIdleTimeout = 5 * time.Minute

// Config wires a Server to the resource process's collaborators. Pipeline,
// EntityDB, Caps, and Bus are required; Query, Sync, and Secrets are nil-able
// for a resource with no query surface, no remote source, or no login
// secret respectively.
type Config struct {
	SocketPath  string
	IdleTimeout time.Duration

	EntityDB *store.DB
	Pipeline *pipeline.Pipeline
	Caps     *entity.CapabilityRegistry
	Bus      *notify.Bus
	Query    *query.Engine
	Sync     *gosync.Synchronizer
	Secrets  *secretstore.Store

	// OnIdle is invoked (from its own goroutine) once no client has been
	// connected for IdleTimeout. The process entrypoint decides what to do
	// with it, the same way pipeline.Pipeline.OnFatal delegates the actual
	// shutdown action to its owner.
	OnIdle func()
}

// Server accepts client connections on a local socket and dispatches their
// commands (spec §4.7).
type Server struct {
	cfg      Config
	caps     *entity.CapabilityRegistry
	listener net.Listener

	idleTimeout time.Duration

	mu        sync.Mutex
	conns     map[*conn]bool
	idleTimer *time.Timer
	subs      map[string]*query.Subscription // live query subscription id -> handle
	stopped   bool
}

// New binds the local socket and returns an unstarted Server. A stale
// socket file from a prior process is removed first (the usual Unix-socket
// bind idiom: a dead process leaves the inode behind).
func New(cfg Config) (*Server, error) {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	_ = os.Remove(cfg.SocketPath)
	ln, err := net.Listen("unix", cfg.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("listener: bind %s: %w", cfg.SocketPath, err)
	}
	return &Server{
		cfg:         cfg,
		caps:        cfg.Caps,
		listener:    ln,
		idleTimeout: cfg.IdleTimeout,
		conns:       make(map[*conn]bool),
		subs:        make(map[string]*query.Subscription),
	}, nil
}

// Serve accepts connections until Stop is called, handling each on its own
// goroutine. It returns nil on a clean Stop-triggered shutdown.
func (s *Server) Serve() error {
	s.armIdleTimer()
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			stopped := s.stopped
			s.mu.Unlock()
			if stopped {
				return nil
			}
			return fmt.Errorf("listener: accept: %w", err)
		}
		c := s.newConn(nc)
		s.addConn(c)
		go s.handleConn(c)
	}
}

// Stop closes the listener and every active connection.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	for sub := range s.subs {
		s.subs[sub].Cancel()
	}
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	_ = s.listener.Close()
	for _, c := range conns {
		_ = c.nc.Close()
	}
}

type conn struct {
	nc   net.Conn
	out  chan Frame
	sub  notify.Subscriber
	done chan struct{}
}

func (s *Server) newConn(nc net.Conn) *conn {
	return &conn{
		nc:   nc,
		out:  make(chan Frame, 64),
		sub:  s.cfg.Bus.Subscribe(),
		done: make(chan struct{}),
	}
}

func (s *Server) addConn(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c] = true
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
}

func (s *Server) removeConn(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	empty := len(s.conns) == 0
	s.mu.Unlock()
	s.cfg.Bus.Unsubscribe(c.sub)
	if empty {
		s.armIdleTimer()
	}
}

// armIdleTimer (re)starts the countdown to OnIdle. Called with no lock held
// when the last connection drops (removeConn) and once at Serve startup.
func (s *Server) armIdleTimer() {
	if s.cfg.OnIdle == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.idleTimer = time.AfterFunc(s.idleTimeout, s.fireIdle)
}

// fireIdle calls OnIdle once IdleTimeout has elapsed with no client
// connected. Every pipeline command arrives through some connection, so
// zero connections already implies no new work can start; the one thing
// this can't see is a synchronizer replay already in flight from before
// the last client disconnected; that case self-corrects because the next
// Synchronize or Flush a future client issues runs against whatever the
// replay left behind, same as any other resumed session.
func (s *Server) fireIdle() {
	s.mu.Lock()
	stillIdle := len(s.conns) == 0 && !s.stopped
	s.mu.Unlock()
	if !stillIdle {
		return
	}
	s.cfg.OnIdle()
}

func (s *Server) handleConn(c *conn) {
	defer s.removeConn(c)
	defer close(c.done)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writePump(c)
	}()

	for {
		f, err := ReadFrame(c.nc)
		if err != nil {
			break
		}
		s.dispatch(c, f)
	}

	close(c.out)
	<-writerDone
}

func (s *Server) writePump(c *conn) {
	for {
		select {
		case f, ok := <-c.out:
			if !ok {
				return
			}
			if err := WriteFrame(c.nc, f); err != nil {
				return
			}
		case n, ok := <-c.sub:
			if !ok {
				return
			}
			payload, err := json.Marshal(n)
			if err != nil {
				continue
			}
			if err := WriteFrame(c.nc, Frame{CommandID: CmdNotification, Payload: payload}); err != nil {
				return
			}
		}
	}
}

func (s *Server) reply(c *conn, messageID uint32, result CommandCompletionPayload) {
	result.MessageID = messageID
	b, err := json.Marshal(result)
	if err != nil {
		b, _ = json.Marshal(CommandCompletionPayload{MessageID: messageID, Success: false, ErrorKind: ErrInternal, Error: err.Error()})
	}
	select {
	case c.out <- Frame{MessageID: messageID, CommandID: CmdCommandCompletion, Payload: b}:
	case <-c.done:
	}
}

func (s *Server) fail(c *conn, messageID uint32, kind ErrorKind, err error) {
	s.reply(c, messageID, CommandCompletionPayload{Success: false, ErrorKind: kind, Error: err.Error()})
}

func (s *Server) ok(c *conn, messageID uint32, result any) {
	var raw json.RawMessage
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			s.fail(c, messageID, ErrInternal, err)
			return
		}
		raw = b
	}
	s.reply(c, messageID, CommandCompletionPayload{Success: true, Result: raw})
}

func (s *Server) dispatch(c *conn, f Frame) {
	switch f.CommandID {
	case CmdHandshake:
		var p HandshakePayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			s.fail(c, f.MessageID, ErrInvalidPayload, err)
			return
		}
		s.ok(c, f.MessageID, nil)
	case CmdPing:
		s.ok(c, f.MessageID, nil)
	case CmdCreateEntity:
		s.handleCreate(c, f)
	case CmdModifyEntity:
		s.handleModify(c, f)
	case CmdDeleteEntity:
		s.handleDelete(c, f)
	case CmdQuery:
		s.handleQuery(c, f)
	case CmdSynchronize:
		s.handleSynchronize(c, f)
	case CmdFlush:
		s.handleFlush(c, f)
	case CmdInspection:
		s.handleInspection(c, f)
	case CmdSecret:
		s.handleSecret(c, f)
	case CmdRevisionReplayed:
		s.handleRevisionReplayed(c, f)
	case CmdUpgrade:
		s.handleUpgrade(c, f)
	case CmdShutdown:
		s.ok(c, f.MessageID, nil)
		if s.cfg.OnIdle != nil {
			go s.cfg.OnIdle()
		}
	default:
		s.fail(c, f.MessageID, ErrInvalidPayload, fmt.Errorf("listener: unknown command %d", f.CommandID))
	}
}

func (s *Server) handleCreate(c *conn, f Frame) {
	var p CreateEntityPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		s.fail(c, f.MessageID, ErrInvalidPayload, err)
		return
	}
	caps, err := s.caps.Lookup(p.Type)
	if err != nil {
		s.fail(c, f.MessageID, ErrNotFound, err)
		return
	}
	props, err := caps.Adaptor.Decode(p.Props)
	if err != nil {
		s.fail(c, f.MessageID, ErrInvalidPayload, err)
		return
	}
	res := s.cfg.Pipeline.Submit(pipeline.Command{
		Kind:           pipeline.Create,
		Type:           p.Type,
		Props:          props,
		StagedBlobs:    p.StagedBlobs,
		ReplayToSource: p.ReplayToSource,
	})
	if res.Err != nil {
		s.fail(c, f.MessageID, classifyPipelineError(res.Err), res.Err)
		return
	}
	s.ok(c, f.MessageID, CreateEntityResult{ID: res.Entity.ID, Revision: res.Entity.Revision})
}

func (s *Server) handleModify(c *conn, f Frame) {
	var p ModifyEntityPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		s.fail(c, f.MessageID, ErrInvalidPayload, err)
		return
	}
	caps, err := s.caps.Lookup(p.Type)
	if err != nil {
		s.fail(c, f.MessageID, ErrNotFound, err)
		return
	}
	props, err := caps.Adaptor.Decode(p.Props)
	if err != nil {
		s.fail(c, f.MessageID, ErrInvalidPayload, err)
		return
	}
	res := s.cfg.Pipeline.Submit(pipeline.Command{
		Kind:           pipeline.Modify,
		Type:           p.Type,
		ID:             p.ID,
		Props:          props,
		StagedBlobs:    p.StagedBlobs,
		ReplayToSource: p.ReplayToSource,
	})
	if res.Err != nil {
		s.fail(c, f.MessageID, classifyPipelineError(res.Err), res.Err)
		return
	}
	s.ok(c, f.MessageID, ModifyEntityResult{Revision: res.Entity.Revision})
}

func (s *Server) handleDelete(c *conn, f Frame) {
	var p DeleteEntityPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		s.fail(c, f.MessageID, ErrInvalidPayload, err)
		return
	}
	res := s.cfg.Pipeline.Submit(pipeline.Command{Kind: pipeline.Remove, Type: p.Type, ID: p.ID, ReplayToSource: true})
	if res.Err != nil {
		s.fail(c, f.MessageID, classifyPipelineError(res.Err), res.Err)
		return
	}
	s.ok(c, f.MessageID, nil)
}

func (s *Server) handleQuery(c *conn, f Frame) {
	if s.cfg.Query == nil {
		s.fail(c, f.MessageID, ErrPreconditionFailed, errors.New("listener: no query engine configured for this resource"))
		return
	}
	var p QueryPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		s.fail(c, f.MessageID, ErrInvalidPayload, err)
		return
	}
	q, err := s.toEngineQuery(p)
	if err != nil {
		s.fail(c, f.MessageID, ErrInvalidPayload, err)
		return
	}

	if !q.LiveQuery {
		db := s.storeDB()
		rt, err := db.BeginRead()
		if err != nil {
			s.fail(c, f.MessageID, ErrInternal, err)
			return
		}
		defer rt.Rollback()
		result, err := s.cfg.Query.Execute(rt, q)
		if err != nil {
			s.fail(c, f.MessageID, ErrInvalidPayload, err)
			return
		}
		entities, err := s.toWireEntities(result.Entities)
		if err != nil {
			s.fail(c, f.MessageID, ErrInternal, err)
			return
		}
		s.ok(c, f.MessageID, QueryResult{Entities: entities})
		return
	}

	sub, err := query.Subscribe(s.cfg.Query, s.storeDB(), s.cfg.Bus, q)
	if err != nil {
		s.fail(c, f.MessageID, ErrInvalidPayload, err)
		return
	}
	id := sid.New().String()
	s.mu.Lock()
	s.subs[id] = sub
	s.mu.Unlock()
	go s.pumpQueryUpdates(c, id, sub)

	initial, err := s.snapshotSubscription(sub, q)
	if err != nil {
		s.cancelSubscription(id)
		s.fail(c, f.MessageID, ErrInternal, err)
		return
	}
	s.ok(c, f.MessageID, QueryResult{Entities: initial, SubscriptionID: id})
}

// snapshotSubscription re-runs q to report the subscription's starting
// result set, since Subscribe itself only returns the live handle.
func (s *Server) snapshotSubscription(sub *query.Subscription, q query.Query) ([]WireEntity, error) {
	db := s.storeDB()
	rt, err := db.BeginRead()
	if err != nil {
		return nil, err
	}
	defer rt.Rollback()
	result, err := s.cfg.Query.Execute(rt, q)
	if err != nil {
		return nil, err
	}
	return s.toWireEntities(result.Entities)
}

func (s *Server) toWireEntities(entities []*entity.Entity) ([]WireEntity, error) {
	out := make([]WireEntity, len(entities))
	for i, e := range entities {
		we, err := s.toWireEntity(e)
		if err != nil {
			return nil, err
		}
		out[i] = we
	}
	return out, nil
}

func (s *Server) pumpQueryUpdates(c *conn, id string, sub *query.Subscription) {
	for u := range sub.Updates() {
		we := WireEntity{ID: u.ID}
		if u.Entity != nil {
			if converted, err := s.toWireEntity(u.Entity); err == nil {
				we = converted
			}
		}
		payload, err := json.Marshal(QueryUpdatePayload{SubscriptionID: id, Change: string(u.Kind), Entity: we})
		if err != nil {
			continue
		}
		select {
		case c.out <- Frame{CommandID: CmdQueryUpdate, Payload: payload}:
		case <-c.done:
			return
		}
	}
}

func (s *Server) cancelSubscription(id string) {
	s.mu.Lock()
	sub, ok := s.subs[id]
	if ok {
		delete(s.subs, id)
	}
	s.mu.Unlock()
	if ok {
		sub.Cancel()
	}
}

func (s *Server) storeDB() *store.DB {
	return s.cfg.EntityDB
}

func (s *Server) handleSynchronize(c *conn, f Frame) {
	if s.cfg.Sync == nil {
		s.fail(c, f.MessageID, ErrPreconditionFailed, errors.New("listener: no synchronizer configured for this resource"))
		return
	}
	var p SynchronizePayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		s.fail(c, f.MessageID, ErrInvalidPayload, err)
		return
	}
	h := s.cfg.Sync.Submit(&gosync.Request{Kind: gosync.Synchronize, Scope: p.Scope})
	if err := h.Wait(); err != nil {
		s.fail(c, f.MessageID, classifySyncError(err), err)
		return
	}
	s.ok(c, f.MessageID, nil)
}

func (s *Server) handleFlush(c *conn, f Frame) {
	var p FlushPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		s.fail(c, f.MessageID, ErrInvalidPayload, err)
		return
	}
	if p.Queue == "query" {
		s.cancelSubscription(p.ID)
		s.ok(c, f.MessageID, nil)
		return
	}
	switch p.Queue {
	case "replay", "synchronization":
		if s.cfg.Sync == nil {
			s.fail(c, f.MessageID, ErrPreconditionFailed, errors.New("listener: no synchronizer configured for this resource"))
			return
		}
		fq := gosync.FlushReplayQueue
		if p.Queue == "synchronization" {
			fq = gosync.FlushSynchronization
		}
		h := s.cfg.Sync.Submit(&gosync.Request{Kind: gosync.Flush, FlushID: p.ID, FlushQueue: fq})
		if err := h.Wait(); err != nil {
			s.fail(c, f.MessageID, classifySyncError(err), err)
			return
		}
	default: // "user", or unspecified
		res := s.cfg.Pipeline.Submit(pipeline.Command{Kind: pipeline.FlushBarrier, FlushID: p.ID})
		if res.Err != nil {
			s.fail(c, f.MessageID, ErrInternal, res.Err)
			return
		}
	}
	s.ok(c, f.MessageID, nil)
}

func (s *Server) handleInspection(c *conn, f Frame) {
	if s.cfg.Sync == nil {
		s.fail(c, f.MessageID, ErrPreconditionFailed, errors.New("listener: no synchronizer configured for this resource"))
		return
	}
	var p InspectionPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		s.fail(c, f.MessageID, ErrInvalidPayload, err)
		return
	}
	h := s.cfg.Sync.Submit(&gosync.Request{Kind: gosync.Inspect, InspectSpec: p.Spec})
	if err := h.Wait(); err != nil {
		s.fail(c, f.MessageID, classifySyncError(err), err)
		return
	}
	s.ok(c, f.MessageID, nil)
}

func (s *Server) handleSecret(c *conn, f Frame) {
	if s.cfg.Secrets == nil {
		s.fail(c, f.MessageID, ErrPreconditionFailed, errors.New("listener: no secret store configured for this resource"))
		return
	}
	var p SecretPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		s.fail(c, f.MessageID, ErrInvalidPayload, err)
		return
	}
	s.cfg.Secrets.Put(p.ResourceID, p.Secret)
	s.ok(c, f.MessageID, nil)
}

func (s *Server) handleRevisionReplayed(c *conn, f Frame) {
	if s.cfg.Sync == nil {
		s.fail(c, f.MessageID, ErrPreconditionFailed, errors.New("listener: no synchronizer configured for this resource"))
		return
	}
	var p RevisionReplayedPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		s.fail(c, f.MessageID, ErrInvalidPayload, err)
		return
	}
	h := s.cfg.Sync.Submit(&gosync.Request{Kind: gosync.ReplayChange, EntityType: p.Type, EntityID: p.ID})
	if err := h.Wait(); err != nil {
		s.fail(c, f.MessageID, classifySyncError(err), err)
		return
	}
	s.ok(c, f.MessageID, nil)
}

func (s *Server) handleUpgrade(c *conn, f Frame) {
	var p UpgradePayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		s.fail(c, f.MessageID, ErrInvalidPayload, err)
		return
	}
	// No schema versioning is implemented yet (spec §6.3 names the
	// persisted layout but doesn't define a migration format); report the
	// current version with nothing to do rather than failing the command.
	s.ok(c, f.MessageID, UpgradeResult{FromVersion: 1, ToVersion: 1, Migrated: false, Detail: "no migration defined"})
}

func classifyPipelineError(err error) ErrorKind {
	switch {
	case errors.Is(err, entity.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ErrCancelled
	default:
		return ErrPreconditionFailed
	}
}

func classifySyncError(err error) ErrorKind {
	switch {
	case errors.Is(err, gosync.ErrCancelled), errors.Is(err, gosync.ErrClosed), errors.Is(err, context.Canceled):
		return ErrCancelled
	case gosync.IsTransient(err):
		return ErrTransientSource
	case gosync.IsPermanent(err):
		return ErrPermanentSource
	default:
		return ErrConnection
	}
}
