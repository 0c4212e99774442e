package api

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"prism-sync/board"
	"prism-sync/config"
	"prism-sync/domain"
	"prism-sync/notify"
	"prism-sync/protocol"
	"prism-sync/ratelimit"
	"prism-sync/room"
	"prism-sync/session"
)

// Options carries the collaborators of an Orchestrator.
type Options struct {
	Limits     config.Limits
	SendBuffer int
	Store      *board.Store
	Sessions   *session.Registry
	Limiter    *ratelimit.Limiter
	Conditions *notify.Pipeline
	Logger     *log.Logger
	Clock      clock.Clock
	// Registerer receives the command and connection collectors.
	Registerer prometheus.Registerer
}

// Orchestrator runs the protocol for every connection. Frames of one
// connection are handled in order on that connection's read pump; frames of
// different connections run concurrently.
type Orchestrator struct {
	limits     config.Limits
	sendBuffer int
	store      *board.Store
	sessions   *session.Registry
	limiter    *ratelimit.Limiter
	conditions *notify.Pipeline
	rooms      *room.Broadcaster
	hub        *Hub
	logger     *log.Logger
	clock      clock.Clock
	metrics    *collectors
}

func NewOrchestrator(opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	o := &Orchestrator{
		limits:     opts.Limits,
		sendBuffer: opts.SendBuffer,
		store:      opts.Store,
		sessions:   opts.Sessions,
		limiter:    opts.Limiter,
		conditions: opts.Conditions,
		hub:        NewHub(),
		logger:     opts.Logger,
		clock:      opts.Clock,
		metrics:    newCollectors(opts.Registerer),
	}
	o.rooms = room.New(o.subscriberFailed)
	o.conditions.SetNotifier(o.hub)
	return o
}

func (o *Orchestrator) now() int64 { return o.clock.Now().UnixMilli() }

// Connect registers a freshly upgraded connection.
func (o *Orchestrator) Connect(c *Conn) {
	o.hub.add(c)
	o.sessions.Open(c.ID())
	o.limiter.Open(c.ID())
	o.metrics.connections.Inc()
	o.logger.WithField("conn", c.ID()).Debug("websocket connected")
	o.reply(c, protocol.TypeSystemStatus, protocol.SystemStatus{State: "connected"})
}

// Disconnect tears down every trace of the connection and tells its room.
// It is safe to call more than once and from any goroutine.
func (o *Orchestrator) Disconnect(connID string) {
	sess, ok := o.sessions.Close(connID)
	left := o.rooms.Leave(connID)
	o.hub.remove(connID)
	if !ok {
		// a join that raced an earlier teardown may have re-added the member
		return
	}
	o.limiter.Close(connID)
	if left == "" {
		// a failed subscriber is removed from its room before we get here
		left = sess.BoardID
	}
	o.metrics.connections.Dec()

	o.logger.WithFields(log.Fields{"conn": connID, "pseudo": sess.Pseudo, "board": left}).Debug("websocket disconnected")
	if left != "" {
		o.broadcast(left, protocol.TypePeerDeparted, protocol.PeerDeparted{
			Pseudo:    sess.Pseudo,
			BoardID:   left,
			Timestamp: o.now(),
		})
	}
}

func (o *Orchestrator) subscriberFailed(sub room.Subscriber, err error) {
	sess, _ := o.sessions.Get(sub.ID())
	o.conditions.Raise(context.Background(), notify.TransportError, notify.Target{Pseudo: sess.Pseudo}, map[string]any{
		"conn":  sub.ID(),
		"error": err.Error(),
	})
	o.Disconnect(sub.ID())
}

// HandleFrame parses and executes one inbound frame.
func (o *Orchestrator) HandleFrame(ctx context.Context, c *Conn, frame []byte) {
	sess, ok := o.sessions.Get(c.ID())
	if !ok {
		return
	}

	cmd, err := protocol.Parse(frame, o.limits)
	if err != nil {
		o.rejectFrame(ctx, sess, err)
		return
	}

	m, ctx := newCommandMetrics(ctx, o.logger, o.metrics, cmd.Name(), c.ID())
	err = o.dispatch(ctx, c, sess, cmd, m)
	if err != nil {
		o.raise(ctx, sess, notify.InternalError, map[string]any{"command": cmd.Name(), "error": err.Error()})
	}
	m.Log(err)
}

func (o *Orchestrator) rejectFrame(ctx context.Context, sess session.Session, err error) {
	code := notify.InvalidJSON
	fields := map[string]any{"error": err.Error()}
	var rej *protocol.RejectError
	if errors.As(err, &rej) {
		switch rej.Kind {
		case protocol.TooLarge:
			code = notify.MessageTooLarge
		case protocol.Schema:
			code = notify.InvalidSchema
		}
		if rej.Type != "" {
			fields["command"] = rej.Type
		}
	}
	o.metrics.commands.WithLabelValues("invalid", outcomeRejected).Inc()
	target := notify.Target{Pseudo: sess.Pseudo}
	if sess.State == session.Authenticated {
		target.ConnID = sess.ConnID
	}
	o.conditions.Raise(ctx, code, target, fields)
}

func (o *Orchestrator) dispatch(ctx context.Context, c *Conn, sess session.Session, cmd protocol.Command, m *commandMetrics) error {
	if ident, ok := cmd.(protocol.Identify); ok {
		return o.identify(ctx, c, sess, ident, m)
	}
	if sess.State != session.Authenticated {
		m.SetOutcome(outcomeRejected)
		m.SetErrorStage("auth")
		o.raise(ctx, sess, notify.AuthRequired, map[string]any{"command": cmd.Name()})
		return nil
	}
	if protocol.Mutating(cmd) {
		d := o.limiter.Allow(c.ID())
		if !d.Allowed {
			m.SetOutcome(outcomeRateLimited)
			if d.Notify {
				o.raise(ctx, sess, notify.RateLimitExceeded, map[string]any{"window": d.Reason, "command": cmd.Name()})
			}
			return nil
		}
	}

	switch cmd := cmd.(type) {
	case protocol.JoinRoom:
		return o.joinRoom(ctx, c, sess, cmd, m)
	case protocol.ListRooms:
		return o.listRooms(ctx, c, m)
	case protocol.CreateItem:
		return o.createItem(ctx, c, sess, cmd, m)
	case protocol.UpdateItem:
		return o.updateItem(ctx, c, sess, cmd, m)
	case protocol.DeleteItem:
		return o.deleteItem(ctx, c, sess, cmd, m)
	case protocol.CursorUpdate:
		o.cursorUpdate(c, sess, cmd)
		return nil
	}
	return nil
}

func (o *Orchestrator) identify(ctx context.Context, c *Conn, sess session.Session, cmd protocol.Identify, m *commandMetrics) error {
	id, err := o.sessions.Identify(c.ID(), cmd.Pseudo, cmd.Token, cmd.Role)
	switch {
	case errors.Is(err, domain.ErrInvalidIdentity):
		m.SetOutcome(outcomeRejected)
		o.raise(ctx, sess, notify.InvalidPseudo, map[string]any{"error": err.Error()})
		return nil
	case errors.Is(err, domain.ErrInvalidCredential):
		m.SetOutcome(outcomeRejected)
		o.raise(ctx, sess, notify.InvalidToken, nil)
		return nil
	case err != nil:
		return err
	}

	reply := protocol.Identified{Role: id.Role, Pseudo: id.Pseudo}
	if id.Minted {
		reply.Token = id.Token
	}
	o.logger.WithFields(log.Fields{"conn": c.ID(), "pseudo": id.Pseudo, "role": id.Role}).Info("client identified")
	o.reply(c, protocol.TypeIdentified, reply)
	return nil
}

func (o *Orchestrator) joinRoom(ctx context.Context, c *Conn, sess session.Session, cmd protocol.JoinRoom, m *commandMetrics) error {
	start := time.Now()
	_, created, err := o.store.Snapshot(ctx, cmd.BoardID)
	m.ObserveStore(time.Since(start))
	if errors.Is(err, domain.ErrBoardLimitReached) {
		m.SetOutcome(outcomeRejected)
		o.raise(ctx, sess, notify.BoardLimitReached, map[string]any{"boardId": cmd.BoardID})
		return nil
	}
	if err != nil {
		m.SetErrorStage("snapshot")
		return err
	}

	left := o.rooms.Join(c, cmd.BoardID)
	if _, ok := o.sessions.SetBoard(c.ID(), cmd.BoardID); !ok {
		// torn down while the snapshot was read
		o.rooms.Leave(c.ID())
		return nil
	}
	if left != "" {
		o.broadcast(left, protocol.TypePeerDeparted, protocol.PeerDeparted{
			Pseudo:    sess.Pseudo,
			BoardID:   left,
			Timestamp: o.now(),
		})
	}
	if created {
		o.broadcastAll(protocol.TypeRoomCreated, protocol.RoomCreated{
			BoardID:   cmd.BoardID,
			CreatedBy: sess.Pseudo,
			Timestamp: o.now(),
		}, c.ID())
	}

	// re-read once subscribed so no mutation falls between snapshot and membership
	start = time.Now()
	tasks, _, err := o.store.Snapshot(ctx, cmd.BoardID)
	m.ObserveStore(time.Since(start))
	if err != nil {
		m.SetErrorStage("snapshot")
		return err
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	o.reply(c, protocol.TypeRoomState, protocol.RoomState{
		BoardID:         cmd.BoardID,
		Tasks:           tasks,
		ServerTimestamp: o.now(),
	})
	return nil
}

func (o *Orchestrator) listRooms(ctx context.Context, c *Conn, m *commandMetrics) error {
	start := time.Now()
	boards, err := o.store.ListBoards(ctx)
	m.ObserveStore(time.Since(start))
	if err != nil {
		m.SetErrorStage("list_boards")
		return err
	}
	if boards == nil {
		boards = []domain.Board{}
	}
	o.reply(c, protocol.TypeRoomList, protocol.RoomList{Boards: boards})
	return nil
}

// canMutate reports whether the session may change boardID. Admins may act
// on any board; everyone else only on the board they joined.
func (o *Orchestrator) canMutate(ctx context.Context, sess session.Session, boardID string, m *commandMetrics) bool {
	if sess.Role == domain.RoleAdmin || sess.BoardID == boardID {
		return true
	}
	m.SetOutcome(outcomeRejected)
	m.SetErrorStage("board_access")
	o.raise(ctx, sess, notify.BoardAccessDenied, map[string]any{"boardId": boardID, "joined": sess.BoardID})
	return false
}

func (o *Orchestrator) createItem(ctx context.Context, c *Conn, sess session.Session, cmd protocol.CreateItem, m *commandMetrics) error {
	if !o.canMutate(ctx, sess, cmd.BoardID, m) {
		return nil
	}
	start := time.Now()
	task, boardCreated, err := o.store.Create(ctx, cmd.BoardID, cmd.Title, cmd.Description, sess.Pseudo)
	m.ObserveStore(time.Since(start))
	if boardCreated {
		o.broadcastAll(protocol.TypeRoomCreated, protocol.RoomCreated{
			BoardID:   cmd.BoardID,
			CreatedBy: sess.Pseudo,
			Timestamp: o.now(),
		}, c.ID())
	}
	if err != nil {
		return o.storeFailure(ctx, sess, err, notify.TaskCreateFailed, map[string]any{"boardId": cmd.BoardID}, m)
	}
	o.fanOut(c, sess, cmd.BoardID, protocol.TypeItemCreated, protocol.ItemCreated{
		BoardID:   cmd.BoardID,
		Task:      task,
		By:        sess.Pseudo,
		Timestamp: o.now(),
	})
	return nil
}

func (o *Orchestrator) updateItem(ctx context.Context, c *Conn, sess session.Session, cmd protocol.UpdateItem, m *commandMetrics) error {
	if !o.canMutate(ctx, sess, cmd.BoardID, m) {
		return nil
	}
	fields := map[string]any{"boardId": cmd.BoardID, "taskId": cmd.TaskID}

	start := time.Now()
	current, err := o.store.Get(ctx, cmd.BoardID, cmd.TaskID)
	if err == nil {
		var res board.PatchResult
		res, err = o.store.ApplyPatch(ctx, current, cmd.Patch, cmd.BaseVersion)
		m.ObserveStore(time.Since(start))
		if err == nil {
			o.fanOut(c, sess, cmd.BoardID, protocol.TypeItemUpdated, protocol.ItemUpdated{
				BoardID:   cmd.BoardID,
				TaskID:    cmd.TaskID,
				Before:    res.Before,
				After:     res.After,
				By:        sess.Pseudo,
				Timestamp: o.now(),
			})
			return nil
		}
	} else {
		m.ObserveStore(time.Since(start))
	}

	var conflict *domain.ConflictError
	if errors.As(err, &conflict) {
		m.SetOutcome(outcomeConflict)
		o.reply(c, protocol.TypeItemConflict, protocol.ItemConflict{
			BoardID:         cmd.BoardID,
			TaskID:          cmd.TaskID,
			ExpectedVersion: cmd.BaseVersion,
			ActualVersion:   conflict.Current.Version,
			Current:         conflict.Current,
		})
		return nil
	}
	return o.storeFailure(ctx, sess, err, notify.TaskUpdateFailed, fields, m)
}

func (o *Orchestrator) deleteItem(ctx context.Context, c *Conn, sess session.Session, cmd protocol.DeleteItem, m *commandMetrics) error {
	if !o.canMutate(ctx, sess, cmd.BoardID, m) {
		return nil
	}
	fields := map[string]any{"boardId": cmd.BoardID, "taskId": cmd.TaskID}

	start := time.Now()
	task, err := o.store.Get(ctx, cmd.BoardID, cmd.TaskID)
	if err == nil && !task.CanDelete(sess.Pseudo, sess.Role) {
		m.ObserveStore(time.Since(start))
		m.SetOutcome(outcomeRejected)
		m.SetErrorStage("authorize")
		fields["createdBy"] = task.CreatedBy
		o.raise(ctx, sess, notify.Forbidden, fields)
		return nil
	}
	if err == nil {
		err = o.store.Delete(ctx, cmd.BoardID, cmd.TaskID)
	}
	m.ObserveStore(time.Since(start))
	if err != nil {
		return o.storeFailure(ctx, sess, err, notify.TaskDeleteFailed, fields, m)
	}
	o.fanOut(c, sess, cmd.BoardID, protocol.TypeItemDeleted, protocol.ItemDeleted{
		BoardID:   cmd.BoardID,
		TaskID:    cmd.TaskID,
		By:        sess.Pseudo,
		Timestamp: o.now(),
	})
	return nil
}

func (o *Orchestrator) cursorUpdate(c *Conn, sess session.Session, cmd protocol.CursorUpdate) {
	if !sess.InRoom() {
		return
	}
	msg, err := protocol.Encode(protocol.TypeCursorUpdate, protocol.Cursor{
		Pseudo:    sess.Pseudo,
		X:         cmd.X,
		Y:         cmd.Y,
		Timestamp: o.now(),
	})
	if err != nil {
		o.logger.WithError(err).Error("encode cursor-update")
		return
	}
	o.rooms.BroadcastExcept(sess.BoardID, msg, c.ID())
}

// storeFailure maps a store error to a condition. Anything it does not
// recognise is returned so the caller reports it as internal.
func (o *Orchestrator) storeFailure(ctx context.Context, sess session.Session, err error, failed notify.Code, fields map[string]any, m *commandMetrics) error {
	m.SetErrorStage("store")
	var code notify.Code
	switch {
	case errors.Is(err, domain.ErrTaskNotFound):
		code = notify.TaskNotFound
	case errors.Is(err, domain.ErrBoardLimitReached):
		code = notify.BoardLimitReached
	case errors.Is(err, domain.ErrTaskLimitReached):
		code = notify.TaskLimitReached
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		code = failed
		fields["error"] = err.Error()
	default:
		return err
	}
	m.SetOutcome(outcomeRejected)
	o.raise(ctx, sess, code, fields)
	return nil
}

// fanOut broadcasts to the board's room. An admin acting from outside the
// room still gets its own copy.
func (o *Orchestrator) fanOut(c *Conn, sess session.Session, boardID, typ string, data any) {
	o.broadcast(boardID, typ, data)
	if sess.BoardID != boardID {
		o.reply(c, typ, data)
	}
}

func (o *Orchestrator) raise(ctx context.Context, sess session.Session, code notify.Code, fields map[string]any) {
	o.conditions.Raise(ctx, code, notify.Target{ConnID: sess.ConnID, Pseudo: sess.Pseudo}, fields)
}

func (o *Orchestrator) reply(c *Conn, typ string, data any) {
	msg, err := protocol.Encode(typ, data)
	if err != nil {
		o.logger.WithError(err).WithField("type", typ).Error("encode reply")
		return
	}
	if err := c.Send(msg); err != nil {
		o.logger.WithError(err).WithField("conn", c.ID()).Debug("reply dropped")
	}
}

func (o *Orchestrator) broadcast(boardID, typ string, data any) {
	msg, err := protocol.Encode(typ, data)
	if err != nil {
		o.logger.WithError(err).WithField("type", typ).Error("encode broadcast")
		return
	}
	o.rooms.Broadcast(boardID, msg)
}

func (o *Orchestrator) broadcastAll(typ string, data any, except string) {
	msg, err := protocol.Encode(typ, data)
	if err != nil {
		o.logger.WithError(err).WithField("type", typ).Error("encode broadcast")
		return
	}
	o.rooms.BroadcastAll(msg, except)
}

// Stats is the orchestrator's view for the health endpoint.
type Stats struct {
	Connections int          `json:"connections"`
	Sessions    int          `json:"sessions"`
	Rooms       int          `json:"rooms"`
	Conditions  notify.Stats `json:"conditions"`
}

func (o *Orchestrator) Stats() Stats {
	return Stats{
		Connections: o.hub.Len(),
		Sessions:    o.sessions.Len(),
		Rooms:       o.rooms.Rooms(),
		Conditions:  o.conditions.Stats(),
	}
}
