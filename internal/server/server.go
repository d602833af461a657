package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/npezzotti/go-threads/internal/broker"
	"github.com/npezzotti/go-threads/internal/config"
	"github.com/npezzotti/go-threads/internal/database"
	"github.com/npezzotti/go-threads/internal/media"
	"github.com/npezzotti/go-threads/internal/presence"
	"github.com/npezzotti/go-threads/internal/stats"
	"go.uber.org/zap"
)

const (
	deliverSubjectPrefix = "threads.deliver."
	onlineSubject        = "threads.online"
	externalCallTimeout  = 2 * time.Second
)

type stopReq struct {
	done chan struct{}
}

// clientOp is a register or deregister request. Both travel on one channel
// so the hub applies them in the order they were made.
type clientOp struct {
	client   *Client
	register bool
}

// remoteDelivery carries an outbound event to the instance holding the
// recipient's connection.
type remoteDelivery struct {
	Origin  string          `json:"origin"`
	UserId  string          `json:"user_id"`
	Message json.RawMessage `json:"message"`
}

type rawServerMessage struct {
	BaseMessage
	Event    string          `json:"event,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Response *Response       `json:"response,omitempty"`
}

type Option func(*ChatServer)

// WithDirectory shares the online-user registry with other instances.
func WithDirectory(d presence.Directory) Option {
	return func(cs *ChatServer) { cs.directory = d }
}

// WithBroker forwards events for users connected to other instances.
func WithBroker(b broker.Broker) Option {
	return func(cs *ChatServer) { cs.broker = b }
}

func WithTypingTimeout(d time.Duration) Option {
	return func(cs *ChatServer) { cs.typingTimeout = d }
}

func WithMediaStore(s media.Store) Option {
	return func(cs *ChatServer) { cs.media = s }
}

// ChatServer owns every local connection and the presence state derived
// from them.
type ChatServer struct {
	log           *zap.SugaredLogger
	db            database.ThreadsRepository
	stats         stats.StatsProvider
	registry      *presence.Registry
	tracker       *presence.Tracker
	directory     presence.Directory
	broker        broker.Broker
	media         media.Store
	relay         *Relay
	instanceId    string
	typingTimeout time.Duration
	clients       map[string]*Client
	clientsLock   sync.RWMutex
	clientOps     chan clientOp
	stop          chan stopReq
	done          chan struct{}
}

func NewChatServer(logger *zap.SugaredLogger, db database.ThreadsRepository, su stats.StatsProvider, opts ...Option) (*ChatServer, error) {
	cs := &ChatServer{
		log:           logger,
		db:            db,
		stats:         su,
		registry:      presence.NewRegistry(),
		tracker:       presence.NewTracker(),
		media:         media.NopStore{},
		instanceId:    uuid.NewString(),
		typingTimeout: config.DefaultTypingTimeout,
		clients:       make(map[string]*Client),
		clientOps:     make(chan clientOp, 128),
		stop:          make(chan stopReq),
		done:          make(chan struct{}),
	}

	for _, opt := range opts {
		opt(cs)
	}

	relay, err := newRelay(logger, db, cs.tracker, cs.media, cs, cs.typingTimeout)
	if err != nil {
		return nil, err
	}
	cs.relay = relay

	su.RegisterMetric(stats.NumActiveClients)
	su.RegisterMetric(stats.NumOnlineUsers)
	su.RegisterMetric(stats.EventsRelayed)
	su.RegisterMetric(stats.EventsDropped)

	return cs, nil
}

// Relay returns the event relay used by the REST handlers.
func (cs *ChatServer) Relay() *Relay {
	return cs.relay
}

func (cs *ChatServer) Run() {
	var remote <-chan broker.Message
	if cs.broker != nil {
		sub, err := cs.broker.Subscribe(context.Background(), deliverSubjectPrefix+"*", onlineSubject)
		if err != nil {
			cs.log.Errorw("broker subscribe, cross-instance delivery disabled", "error", err)
		} else {
			defer sub.Close()
			remote = sub.C()
		}
	}

	for {
		select {
		case op := <-cs.clientOps:
			if op.register {
				cs.addClient(op.client)
			} else {
				cs.removeClient(op.client)
			}
		case m, ok := <-remote:
			if !ok {
				cs.log.Warn("broker subscription closed")
				remote = nil
				continue
			}
			cs.handleRemote(m)
		case req := <-cs.stop:
			cs.log.Info("shutting down clients")
			cs.clientsLock.RLock()
			for _, c := range cs.clients {
				c.stopClient()
			}
			cs.clientsLock.RUnlock()

			cs.relay.typing.StopAll()
			close(cs.done)
			close(req.done)
			return
		}
	}
}

func (cs *ChatServer) RegisterClient(c *Client) {
	select {
	case <-cs.done:
		c.stopClient()
		return
	default:
	}

	select {
	case cs.clientOps <- clientOp{client: c, register: true}:
	case <-cs.done:
		c.stopClient()
	}
}

func (cs *ChatServer) DeregisterClient(c *Client) {
	select {
	case cs.clientOps <- clientOp{client: c}:
	case <-cs.done:
	}
}

func (cs *ChatServer) addClient(c *Client) {
	cs.clientsLock.Lock()
	cs.clients[c.id] = c
	cs.clientsLock.Unlock()
	cs.stats.Incr(stats.NumActiveClients)

	if prev, replaced := cs.registry.Register(c.userId, c.id); replaced {
		// the previous connection is presumed stale and left to time out
		cs.log.Infow("connection replaced", "user_id", c.userId, "old_conn_id", prev, "conn_id", c.id)
	} else {
		cs.stats.Incr(stats.NumOnlineUsers)
	}

	if cs.directory != nil {
		ctx, cancel := context.WithTimeout(context.Background(), externalCallTimeout)
		if err := cs.directory.Register(ctx, c.userId, c.id); err != nil {
			cs.log.Errorw("directory register", "user_id", c.userId, "error", err)
		}
		cancel()
	}

	cs.log.Infow("client connected", "user_id", c.userId, "conn_id", c.id)
	cs.broadcastOnlineUsers(true)
}

func (cs *ChatServer) removeClient(c *Client) {
	cs.clientsLock.Lock()
	if _, ok := cs.clients[c.id]; !ok {
		cs.clientsLock.Unlock()
		return
	}
	delete(cs.clients, c.id)
	cs.clientsLock.Unlock()
	cs.stats.Decr(stats.NumActiveClients)

	userId, removed := cs.registry.Unregister(c.id)
	if !removed {
		cs.log.Infow("stale connection closed", "user_id", c.userId, "conn_id", c.id)
		return
	}
	cs.stats.Decr(stats.NumOnlineUsers)

	cs.tracker.Clear(userId)
	cs.relay.typing.ClearUser(userId)

	if cs.directory != nil {
		ctx, cancel := context.WithTimeout(context.Background(), externalCallTimeout)
		if _, err := cs.directory.Unregister(ctx, userId, c.id); err != nil {
			cs.log.Errorw("directory unregister", "user_id", userId, "error", err)
		}
		cancel()
	}

	cs.log.Infow("client disconnected", "user_id", userId, "conn_id", c.id)
	cs.broadcastOnlineUsers(true)
}

// OnlineUsers lists users with a live connection, cluster-wide when a
// directory is configured.
func (cs *ChatServer) OnlineUsers() []string {
	if cs.directory != nil {
		ctx, cancel := context.WithTimeout(context.Background(), externalCallTimeout)
		defer cancel()
		users, err := cs.directory.OnlineUsers(ctx)
		if err == nil {
			return users
		}
		cs.log.Errorw("directory online users", "error", err)
	}
	return cs.registry.OnlineUsers()
}

func (cs *ChatServer) broadcastOnlineUsers(announce bool) {
	msg := NewEvent(EventGetOnlineUsers, cs.OnlineUsers())

	cs.clientsLock.RLock()
	for _, c := range cs.clients {
		if connId, ok := cs.registry.Lookup(c.userId); !ok || connId != c.id {
			continue
		}
		c.queueMessage(msg)
	}
	cs.clientsLock.RUnlock()

	if announce && cs.broker != nil {
		ctx, cancel := context.WithTimeout(context.Background(), externalCallTimeout)
		defer cancel()
		if err := cs.broker.Publish(ctx, onlineSubject, []byte(cs.instanceId)); err != nil {
			cs.log.Errorw("announce online users", "error", err)
		}
	}
}

// SendToUser delivers msg to the user's connection. It reports false when
// the user is offline, which callers treat as a normal outcome.
func (cs *ChatServer) SendToUser(userId string, msg *ServerMessage) bool {
	connId, local, elsewhere := cs.route(userId)
	if local {
		return cs.deliverLocal(connId, msg)
	}

	if cs.broker == nil || !elsewhere {
		return false
	}

	data, err := serializeMessage(msg)
	if err != nil {
		cs.log.Errorw("serialize remote delivery", "error", err)
		return false
	}

	payload, err := json.Marshal(remoteDelivery{
		Origin:  cs.instanceId,
		UserId:  userId,
		Message: data,
	})
	if err != nil {
		cs.log.Errorw("serialize remote delivery", "error", err)
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), externalCallTimeout)
	defer cancel()
	if err := cs.broker.Publish(ctx, deliverSubject(userId), payload); err != nil {
		cs.log.Errorw("publish remote delivery", "user_id", userId, "error", err)
		return false
	}

	return true
}

// route decides where the user's current connection lives. local reports a
// connection on this instance that is still the user's latest one; elsewhere
// reports that another instance may hold it.
func (cs *ChatServer) route(userId string) (connId string, local, elsewhere bool) {
	connId, ok := cs.registry.Lookup(userId)
	if cs.directory == nil {
		// without a directory every instance is asked
		return connId, ok, !ok
	}

	ctx, cancel := context.WithTimeout(context.Background(), externalCallTimeout)
	defer cancel()
	dirConnId, found, err := cs.directory.Lookup(ctx, userId)
	switch {
	case err != nil:
		cs.log.Errorw("directory lookup", "user_id", userId, "error", err)
		return connId, ok, !ok
	case !found:
		return connId, ok, false
	case ok && dirConnId == connId:
		return connId, true, false
	default:
		// the user reconnected on another instance
		return "", false, true
	}
}

func (cs *ChatServer) deliverLocal(connId string, msg *ServerMessage) bool {
	cs.clientsLock.RLock()
	c := cs.clients[connId]
	cs.clientsLock.RUnlock()
	if c == nil {
		return false
	}

	if !c.queueMessage(msg) {
		cs.stats.Incr(stats.EventsDropped)
		return false
	}

	cs.stats.Incr(stats.EventsRelayed)
	return true
}

func (cs *ChatServer) handleRemote(m broker.Message) {
	if m.Subject == onlineSubject {
		if string(m.Data) != cs.instanceId {
			cs.broadcastOnlineUsers(false)
		}
		return
	}

	var rd remoteDelivery
	if err := json.Unmarshal(m.Data, &rd); err != nil {
		cs.log.Warnw("dropping malformed remote delivery", "error", err)
		return
	}
	if rd.Origin == cs.instanceId {
		return
	}

	var raw rawServerMessage
	if err := json.Unmarshal(rd.Message, &raw); err != nil {
		cs.log.Warnw("dropping malformed remote delivery", "error", err)
		return
	}

	msg := &ServerMessage{
		BaseMessage: raw.BaseMessage,
		Event:       raw.Event,
		Response:    raw.Response,
	}
	if len(raw.Data) > 0 {
		msg.Data = raw.Data
	}

	if connId, local, _ := cs.route(rd.UserId); local {
		cs.deliverLocal(connId, msg)
	}
}

func deliverSubject(userId string) string {
	return deliverSubjectPrefix + base64.RawURLEncoding.EncodeToString([]byte(userId))
}

func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Info("received shutdown signal")
	req := stopReq{done: make(chan struct{})}

	select {
	case cs.stop <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
