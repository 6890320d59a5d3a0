package permission

import (
	"context"
	"fmt"
	"sync"

	"github.com/coderunner-ai/coderunner/internal/event"
	"github.com/coderunner-ai/coderunner/internal/id"
)

// Store is the persistence boundary Engine needs from internal/store,
// narrowed to the one method it calls — keeps this package free of a direct
// dependency on the store package's sqlite driver stack.
type Store interface {
	GetPermissionRules(ctx context.Context, projectID string) ([]Rule, error)
}

// Engine evaluates tool invocations against a rule set and, when a rule
// demands it, suspends the caller on a blocking question until answered.
type Engine struct {
	store Store
	bus   *event.Bus

	mu           sync.Mutex
	sessionRules map[string][]Rule // sessionID -> rules, oldest first
	pending      map[string]pendingAsk
	doomLoop     *DoomLoopDetector
}

type reply struct {
	level Level
	note  string
}

type pendingAsk struct {
	ch        chan reply
	sessionID string
}

// NewEngine constructs an Engine. bus may be nil, in which case events
// publish through the package-level default bus.
func NewEngine(store Store, bus *event.Bus) *Engine {
	return &Engine{
		store:        store,
		bus:          bus,
		sessionRules: make(map[string][]Rule),
		pending:      make(map[string]pendingAsk),
		doomLoop:     NewDoomLoopDetector(),
	}
}

// AddSessionRule appends a rule to a session's rule set. Session rules are
// evaluated before persistent (project-scoped) rules, and within each scope
// the most recently added rule wins.
func (e *Engine) AddSessionRule(sessionID string, rule Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessionRules[sessionID] = append(e.sessionRules[sessionID], rule)
}

// ClearSession drops a session's accumulated rules, used when a session
// ends or is forked into a context that shouldn't inherit them.
func (e *Engine) ClearSession(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessionRules, sessionID)
	e.doomLoop.Clear(sessionID)
}

// Check evaluates reqCtx against sessionID's rules (session-scoped first,
// then projectID's persistent rules), suspending on a permission-request
// question when the result is ask. A doom-loop match (the same tool+input
// repeated DoomLoopThreshold times in a row) forces a question even when a
// rule would otherwise allow the call, since a repeating allowed call is
// exactly the runaway-loop case permission review exists to catch.
func (e *Engine) Check(ctx context.Context, sessionID, projectID string, reqCtx Context, now int64) error {
	if e.doomLoop.Check(sessionID, reqCtx.Tool, reqCtx.Metadata) {
		return e.ask(ctx, sessionID, reqCtx)
	}

	e.mu.Lock()
	session := append([]Rule(nil), e.sessionRules[sessionID]...)
	e.mu.Unlock()

	if level, matched := evaluate(session, now, reqCtx); matched {
		return e.resolve(ctx, sessionID, reqCtx, level)
	}

	persistent, err := e.store.GetPermissionRules(ctx, projectID)
	if err != nil {
		return err
	}
	level, _ := evaluate(persistent, now, reqCtx)
	return e.resolve(ctx, sessionID, reqCtx, level)
}

func (e *Engine) resolve(ctx context.Context, sessionID string, reqCtx Context, level Level) error {
	switch level {
	case Allow:
		return nil
	case Deny:
		return &RejectedError{SessionID: sessionID, Type: PermissionType(reqCtx.Tool), Metadata: reqCtx.Metadata, Message: "permission denied by rule"}
	default:
		return e.ask(ctx, sessionID, reqCtx)
	}
}

// ask publishes a permission-request event and blocks until Reply is called
// with the same request id, or ctx is cancelled.
func (e *Engine) ask(ctx context.Context, sessionID string, reqCtx Context) error {
	requestID := id.Request()
	ch := make(chan reply, 1)

	e.mu.Lock()
	e.pending[requestID] = pendingAsk{ch: ch, sessionID: sessionID}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.pending, requestID)
		e.mu.Unlock()
	}()

	e.publish(event.PermissionRequested, event.PermissionUpdatedData{
		ID:             requestID,
		SessionID:      sessionID,
		PermissionType: reqCtx.Tool,
		Pattern:        []string{reqCtx.Path},
		Title:          fmt.Sprintf("%s requires permission", reqCtx.Tool),
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case r := <-ch:
		if r.level == Deny {
			return &RejectedError{SessionID: sessionID, Type: PermissionType(reqCtx.Tool), Metadata: reqCtx.Metadata, Message: "permission rejected by user"}
		}
		return nil
	}
}

// Reply answers a pending permission-request question, per spec.md §4.4's
// reply(request_id, allow|deny, note?). A request id with no pending
// question (already answered, or never asked) is a no-op.
func (e *Engine) Reply(requestID string, level Level, note string) {
	e.mu.Lock()
	ask, ok := e.pending[requestID]
	e.mu.Unlock()
	if !ok {
		return
	}
	ask.ch <- reply{level: level, note: note}

	e.publish(event.PermissionReplied, event.PermissionRepliedData{
		PermissionID: requestID,
		SessionID:    ask.sessionID,
		Response:     string(level),
	})
}

func (e *Engine) publish(t event.EventType, data any) {
	evt := event.Event{Type: t, Data: data}
	if e.bus != nil {
		e.bus.PublishSync(evt)
		return
	}
	event.PublishSync(evt)
}
