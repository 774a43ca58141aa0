package store

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	stdatomic "sync/atomic"
	"time"

	"github.com/th317erd/hero/internal/config"
	heroErrors "github.com/th317erd/hero/internal/errors"
	"github.com/th317erd/hero/internal/frame"

	"github.com/natefinch/atomic"
	"github.com/oklog/ulid/v2"
)

type Operation int

const (
	OpAppendFrame Operation = iota
	OpListFrames
	OpSaveSession
	OpGetSession
	OpListSessions
	OpSaveAgent
	OpGetAgent
	OpListAgents
	OpSaveKeys
)

type Request struct {
	Op       Operation
	Payload  interface{}
	Result   chan error
	Response chan interface{}
}

type listFramesPayload struct {
	SessionID string
	Filter    frame.Filter
}

// Worker is the JSONL backend. A single goroutine owns every write, so frame
// ids and timestamps come out monotonic per session without extra locking.
type Worker struct {
	workspaceID string
	basePath    string
	inbox       chan Request
	keys        *KeyStore
	lock        *WorkspaceLock
	quit        chan struct{}
	wg          sync.WaitGroup
	running     stdatomic.Bool
	stopOnce    sync.Once

	// Owned by the loop goroutine.
	index   *Index
	entropy io.Reader
	lastTS  map[string]time.Time
	now     func() time.Time
}

type RuntimeConfig struct {
	LockTimeout  time.Duration
	LockRetry    time.Duration
	LockMaxRetry int
	InboxSize    int
}

func NewWorker(workspaceID string, workspaceRootPath string, runtimeCfg RuntimeConfig) (*Worker, error) {
	basePath, err := GetWorkspacePath(workspaceID, workspaceRootPath)
	if err != nil {
		return nil, err
	}

	for _, d := range []string{
		filepath.Join(basePath, "sessions"),
		filepath.Join(basePath, "governance"),
	} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return nil, fmt.Errorf("failed to create dir %s: %w", d, err)
		}
	}

	if runtimeCfg.InboxSize <= 0 {
		runtimeCfg.InboxSize = config.DefaultStoreInboxSize
	}

	lock, err := AcquireWorkspaceLock(workspaceID, basePath, LockConfig{
		Timeout:  runtimeCfg.LockTimeout,
		Retry:    runtimeCfg.LockRetry,
		MaxRetry: runtimeCfg.LockMaxRetry,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}

	keys, err := NewKeyStore(filepath.Join(basePath, "governance", "processed_keys.json"))
	if err != nil {
		lock.Release()
		return nil, fmt.Errorf("failed to load idempotency store: %w", err)
	}

	index := &Index{Sessions: make(map[string]SessionMeta), Agents: make(map[string]AgentMeta)}
	if data, err := os.ReadFile(indexFile(basePath)); err == nil {
		if err := json.Unmarshal(data, index); err != nil {
			slog.Warn("Failed to parse workspace index, starting fresh", "error", err)
		}
		if index.Sessions == nil {
			index.Sessions = make(map[string]SessionMeta)
		}
		if index.Agents == nil {
			index.Agents = make(map[string]AgentMeta)
		}
	}

	return &Worker{
		workspaceID: workspaceID,
		basePath:    basePath,
		inbox:       make(chan Request, runtimeCfg.InboxSize),
		keys:        keys,
		lock:        lock,
		quit:        make(chan struct{}),
		index:       index,
		entropy:     ulid.Monotonic(rand.Reader, 0),
		lastTS:      make(map[string]time.Time),
		now:         time.Now,
	}, nil
}

func (w *Worker) Start() {
	w.wg.Add(1)
	go w.loop()
}

func (w *Worker) loop() {
	slog.Info("StoreWorker started", "workspace", w.workspaceID)
	w.running.Store(true)
	defer func() {
		w.running.Store(false)
		w.wg.Done()
	}()

	if pruned := w.keys.Prune(); pruned > 0 {
		slog.Info("Pruned expired idempotency keys", "count", pruned)
		if err := w.keys.Save(); err != nil {
			slog.Error("Failed to save pruned keys", "error", err)
		}
	}

	for {
		select {
		case req := <-w.inbox:
			err := w.handle(req)
			if req.Result != nil {
				req.Result <- err
			}
		case <-w.quit:
			slog.Info("StoreWorker stopping")
			return
		}
	}
}

func (w *Worker) handle(req Request) error {
	switch req.Op {
	case OpAppendFrame:
		f, ok := req.Payload.(frame.Frame)
		if !ok {
			return fmt.Errorf("invalid payload for AppendFrame")
		}
		stored, err := w.appendFrame(f)
		respond(req, stored)
		return err
	case OpListFrames:
		p, ok := req.Payload.(listFramesPayload)
		if !ok {
			return fmt.Errorf("invalid payload for ListFrames")
		}
		frames, err := w.listFrames(p.SessionID, p.Filter)
		respond(req, frames)
		return err
	case OpSaveSession:
		s, ok := req.Payload.(SessionMeta)
		if !ok {
			return fmt.Errorf("invalid payload for SaveSession")
		}
		w.index.Sessions[s.ID] = s
		return w.saveIndex()
	case OpGetSession:
		id, _ := req.Payload.(string)
		s, ok := w.index.Sessions[id]
		if !ok {
			respond(req, SessionMeta{})
			return heroErrors.NotFound(fmt.Sprintf("session %s", id))
		}
		respond(req, s)
		return nil
	case OpListSessions:
		out := make([]SessionMeta, 0, len(w.index.Sessions))
		for _, s := range w.index.Sessions {
			out = append(out, s)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
		respond(req, out)
		return nil
	case OpSaveAgent:
		a, ok := req.Payload.(AgentMeta)
		if !ok {
			return fmt.Errorf("invalid payload for SaveAgent")
		}
		w.index.Agents[a.ID] = a
		return w.saveIndex()
	case OpGetAgent:
		id, _ := req.Payload.(string)
		a, ok := w.index.Agents[id]
		if !ok {
			respond(req, AgentMeta{})
			return heroErrors.NotFound(fmt.Sprintf("agent %s", id))
		}
		respond(req, a)
		return nil
	case OpListAgents:
		out := make([]AgentMeta, 0, len(w.index.Agents))
		for _, a := range w.index.Agents {
			out = append(out, a)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		respond(req, out)
		return nil
	case OpSaveKeys:
		return w.keys.Save()
	default:
		return fmt.Errorf("unknown operation: %d", req.Op)
	}
}

func respond(req Request, v interface{}) {
	if req.Response != nil {
		req.Response <- v
	}
}

func (w *Worker) appendFrame(f frame.Frame) (frame.Frame, error) {
	if _, ok := w.index.Sessions[f.SessionID]; !ok {
		return frame.Frame{}, heroErrors.Storage("append frame", heroErrors.NotFound(fmt.Sprintf("session %s", f.SessionID)))
	}
	if err := f.Validate(); err != nil {
		return frame.Frame{}, err
	}

	last, err := w.lastTimestamp(f.SessionID)
	if err != nil {
		return frame.Frame{}, heroErrors.Storage("read frame log", err)
	}
	ts := w.now().UTC()
	if ts.Before(last) {
		ts = last
	}

	id, err := ulid.New(ulid.Timestamp(ts), w.entropy)
	if err != nil {
		return frame.Frame{}, heroErrors.Storage("generate frame id", err)
	}
	f.ID = id.String()
	f.Timestamp = ts

	line, err := json.Marshal(f)
	if err != nil {
		return frame.Frame{}, fmt.Errorf("marshal frame: %w", err)
	}

	file, err := os.OpenFile(framesFile(w.basePath, f.SessionID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return frame.Frame{}, heroErrors.Storage("open frame log", err)
	}
	defer file.Close()

	if _, err := file.Write(append(line, '\n')); err != nil {
		return frame.Frame{}, heroErrors.Storage("write frame", err)
	}
	if err := file.Sync(); err != nil {
		return frame.Frame{}, heroErrors.Storage("sync frame log", err)
	}

	w.lastTS[f.SessionID] = ts
	return f, nil
}

// lastTimestamp is cached after the first read of a session's log.
func (w *Worker) lastTimestamp(sessionID string) (time.Time, error) {
	if ts, ok := w.lastTS[sessionID]; ok {
		return ts, nil
	}
	frames, err := w.readFrames(sessionID)
	if err != nil {
		return time.Time{}, err
	}
	var last time.Time
	if len(frames) > 0 {
		last = frames[len(frames)-1].Timestamp
	}
	w.lastTS[sessionID] = last
	return last, nil
}

func (w *Worker) listFrames(sessionID string, filter frame.Filter) ([]frame.Frame, error) {
	if _, ok := w.index.Sessions[sessionID]; !ok {
		return nil, heroErrors.NotFound(fmt.Sprintf("session %s", sessionID))
	}
	frames, err := w.readFrames(sessionID)
	if err != nil {
		return nil, heroErrors.Storage("read frame log", err)
	}
	return filter.Apply(frames), nil
}

func (w *Worker) readFrames(sessionID string) ([]frame.Frame, error) {
	data, err := os.ReadFile(framesFile(w.basePath, sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return []frame.Frame{}, nil
		}
		return nil, err
	}

	frames := make([]frame.Frame, 0)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var f frame.Frame
		if err := json.Unmarshal(line, &f); err != nil {
			return nil, fmt.Errorf("decode frame at line %d: %w", lineNo, err)
		}
		frames = append(frames, f)
	}
	return frames, scanner.Err()
}

func (w *Worker) saveIndex() error {
	data, err := json.MarshalIndent(w.index, "", "  ")
	if err != nil {
		return err
	}
	if err := atomic.WriteFile(indexFile(w.basePath), bytes.NewReader(data)); err != nil {
		return heroErrors.Storage("write workspace index", err)
	}
	return nil
}

// Public API for other components

func (w *Worker) call(ctx context.Context, op Operation, payload interface{}, wantResponse bool) (interface{}, error) {
	req := Request{Op: op, Payload: payload, Result: make(chan error, 1)}
	if wantResponse {
		req.Response = make(chan interface{}, 1)
	}

	select {
	case w.inbox <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.quit:
		return nil, heroErrors.Storage("store worker stopped", nil)
	}

	var err error
	select {
	case err = <-req.Result:
	case <-w.quit:
		select {
		case err = <-req.Result:
		default:
			return nil, heroErrors.Storage("store worker stopped", nil)
		}
	}
	if err != nil || !wantResponse {
		return nil, err
	}
	return <-req.Response, nil
}

func (w *Worker) Append(ctx context.Context, f frame.Frame) (frame.Frame, error) {
	val, err := w.call(ctx, OpAppendFrame, f, true)
	if err != nil {
		return frame.Frame{}, err
	}
	return val.(frame.Frame), nil
}

func (w *Worker) List(ctx context.Context, sessionID string, filter frame.Filter) ([]frame.Frame, error) {
	val, err := w.call(ctx, OpListFrames, listFramesPayload{SessionID: sessionID, Filter: filter}, true)
	if err != nil {
		return nil, err
	}
	return val.([]frame.Frame), nil
}

func (w *Worker) SaveSession(ctx context.Context, s SessionMeta) error {
	_, err := w.call(ctx, OpSaveSession, s, false)
	return err
}

func (w *Worker) GetSession(ctx context.Context, id string) (SessionMeta, error) {
	val, err := w.call(ctx, OpGetSession, id, true)
	if err != nil {
		return SessionMeta{}, err
	}
	return val.(SessionMeta), nil
}

func (w *Worker) ListSessions(ctx context.Context) ([]SessionMeta, error) {
	val, err := w.call(ctx, OpListSessions, nil, true)
	if err != nil {
		return nil, err
	}
	return val.([]SessionMeta), nil
}

func (w *Worker) SaveAgent(ctx context.Context, a AgentMeta) error {
	_, err := w.call(ctx, OpSaveAgent, a, false)
	return err
}

func (w *Worker) GetAgent(ctx context.Context, id string) (AgentMeta, error) {
	val, err := w.call(ctx, OpGetAgent, id, true)
	if err != nil {
		return AgentMeta{}, err
	}
	return val.(AgentMeta), nil
}

func (w *Worker) ListAgents(ctx context.Context) ([]AgentMeta, error) {
	val, err := w.call(ctx, OpListAgents, nil, true)
	if err != nil {
		return nil, err
	}
	return val.([]AgentMeta), nil
}

// CheckAndMark records an idempotency key and queues a save. It reports
// whether the key was already seen.
func (w *Worker) CheckAndMark(key string, ttl time.Duration) bool {
	if ttl <= 0 {
		if d, err := config.DurationOrDefault("", config.DefaultSessionIdempotencyTTL); err == nil {
			ttl = d
		}
	}
	seen := w.keys.CheckAndMark(key, ttl)
	if !seen {
		w.queueKeySave()
	}
	return seen
}

func (w *Worker) Forget(key string) {
	w.keys.Forget(key)
	w.queueKeySave()
}

// PruneKeys drops expired idempotency keys and persists the result.
func (w *Worker) PruneKeys(ctx context.Context) (int, error) {
	pruned := w.keys.Prune()
	if pruned == 0 {
		return 0, nil
	}
	_, err := w.call(ctx, OpSaveKeys, nil, false)
	return pruned, err
}

func (w *Worker) queueKeySave() {
	select {
	case w.inbox <- Request{Op: OpSaveKeys}:
	default:
		slog.Warn("Store inbox full, idempotency keys saved on next write", "workspace", w.workspaceID)
	}
}

func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		slog.Info("StoreWorker Stop called", "workspace", w.workspaceID, "lock_held", w.lock.Held())
		close(w.quit)
		w.wg.Wait()

		if err := w.keys.Save(); err != nil {
			slog.Error("Failed to save idempotency keys on stop", "error", err)
		}
		if w.lock.Held() {
			w.lock.Release()
		}
	})
}

func (w *Worker) BasePath() string {
	return w.basePath
}

func (w *Worker) IsRunning() bool {
	return w.lock.Held() && w.running.Load()
}
