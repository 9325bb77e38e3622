package websocket

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/rentease/converse/internal/auth"
	"github.com/rentease/converse/internal/delivery"
	"github.com/rentease/converse/internal/events"
	"github.com/rentease/converse/internal/logger"
	"github.com/rentease/converse/internal/metrics"
	"github.com/rentease/converse/internal/presence"
	"github.com/rentease/converse/internal/registry"
)

var log = logger.New("websocket")

const storeTimeout = 10 * time.Second

// Options tune a Gateway; zero values fall back to defaults.
type Options struct {
	AllowedOrigins []string
	TypingTimeout  time.Duration
	RatePerSecond  float64
	RateBurst      int
	Mirror         presence.OnlineMirror
	Metrics        *metrics.Metrics
}

// Gateway terminates websocket connections and routes their events to the
// registry, the typing tracker and the delivery coordinator.
type Gateway struct {
	registry    *registry.Registry
	coordinator *delivery.Coordinator
	tracker     *presence.Tracker
	mirror      presence.OnlineMirror
	metrics     *metrics.Metrics
	upgrader    websocket.Upgrader
	limit       rate.Limit
	burst       int

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	clients map[string]*Client
	wg      sync.WaitGroup
}

func NewGateway(reg *registry.Registry, coordinator *delivery.Coordinator, opts Options) *Gateway {
	if opts.Mirror == nil {
		opts.Mirror = presence.NopMirror{}
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 10
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 20
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		registry:    reg,
		coordinator: coordinator,
		mirror:      opts.Mirror,
		metrics:     opts.Metrics,
		limit:       rate.Limit(opts.RatePerSecond),
		burst:       opts.RateBurst,
		ctx:         ctx,
		cancel:      cancel,
		clients:     make(map[string]*Client),
	}
	g.tracker = presence.NewTracker(opts.TypingTimeout, g.typingExpired)
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}
	return g
}

// Tracker exposes the typing tracker for metrics
func (g *Gateway) Tracker() *presence.Tracker {
	return g.tracker
}

// UserOnline reports whether userID is connected here or, per the shared
// mirror, to another process.
func (g *Gateway) UserOnline(ctx context.Context, userID string) bool {
	if g.registry.UserOnline(userID) {
		return true
	}
	online, err := g.mirror.IsOnline(ctx, userID)
	if err != nil {
		log.Warn("Presence lookup for %s failed: %v", userID, err)
		return false
	}
	return online
}

// HandleWebSocket upgrades an authenticated request. The principal comes
// from the auth middleware; the connection is registered immediately.
func (g *Gateway) HandleWebSocket(c *gin.Context) {
	userID := c.GetString(auth.ContextUserID)
	if userID == "" {
		log.Warn("No userID in context, rejecting connection from %s", c.Request.RemoteAddr)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("Failed to upgrade connection: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(g.ctx)
	client := &Client{
		ID:          uuid.NewString(),
		UserID:      userID,
		DisplayName: c.GetString(auth.ContextDisplayName),
		socket:      conn,
		send:        make(chan []byte, sendBufferSize),
		limiter:     rate.NewLimiter(g.limit, g.burst),
		ctx:         ctx,
		cancel:      cancel,
	}

	g.mu.Lock()
	g.clients[client.ID] = client
	g.mu.Unlock()

	// Connection ids are fresh, so this registration cannot collide.
	if first, _ := g.registry.Register(client.ID, userID, client); first {
		g.setOnline(userID)
	}

	g.wg.Add(2)
	go func() {
		defer g.wg.Done()
		client.writePump(g)
	}()
	go func() {
		defer g.wg.Done()
		client.readPump(g)
	}()
	log.Info("Client %s connected for user %s", client.ID, userID)
}

func (g *Gateway) dispatch(c *Client, evt events.Inbound) {
	ctx, cancel := context.WithTimeout(c.ctx, storeTimeout)
	defer cancel()

	switch e := evt.(type) {
	case events.Identify:
		g.identify(c, e)
	case events.JoinConversation:
		g.join(ctx, c, e)
	case events.LeaveConversation:
		g.registry.Unfocus(c.ID, conversationKey(e.ConversationID))
	case events.SendMessage:
		g.sendMessage(ctx, c, e)
	case events.TypingStart:
		g.typingStart(ctx, c, e)
	case events.TypingStop:
		g.typingStop(c, e)
	case events.MessagesRead:
		g.messagesRead(ctx, c, e)
	default:
		log.Warn("Unhandled event %s from client %s", evt.EventType(), c.ID)
	}
}

// identify confirms the connection's user. The token already did the
// real work, so a different user id is refused.
func (g *Gateway) identify(c *Client, e events.Identify) {
	if e.UserID != c.UserID {
		log.Warn("Client %s authenticated as %s tried to identify as %s", c.ID, c.UserID, e.UserID)
		c.sendError(events.CodeForbidden, "identity does not match the authenticated user", events.TypeIdentify)
		return
	}
	first, err := g.registry.Register(c.ID, c.UserID, c)
	if err != nil {
		log.Error("Re-registering client %s failed: %v", c.ID, err)
		c.sendError(events.CodeInternal, "identify failed", events.TypeIdentify)
		return
	}
	if first {
		g.setOnline(c.UserID)
	}
}

func (g *Gateway) join(ctx context.Context, c *Client, e events.JoinConversation) {
	conv, err := g.coordinator.Authorize(ctx, e.ConversationID, c.UserID)
	if err != nil {
		c.sendError(delivery.ErrorCode(err), err.Error(), events.TypeJoinConversation)
		return
	}
	g.registry.Focus(c.ID, conv.ID)
	log.Debug("Client %s joined conversation %s", c.ID, conv.ID)
}

func (g *Gateway) sendMessage(ctx context.Context, c *Client, e events.SendMessage) {
	report, err := g.coordinator.Send(ctx, delivery.SendRequest{
		ConversationID: e.ConversationID,
		SenderID:       c.UserID,
		SenderConnID:   c.ID,
		Content:        e.Content,
		MessageType:    e.MessageType,
		RelatedListing: e.RelatedListing,
		RelatedBooking: e.RelatedBooking,
		ReceiverHint:   e.ReceiverID,
	})
	if err != nil {
		code := delivery.ErrorCode(err)
		if code == events.CodeInternal {
			log.Error("Send from client %s failed: %v", c.ID, err)
			c.sendError(code, "message could not be stored, try again", events.TypeSendMessage)
			return
		}
		c.sendError(code, err.Error(), events.TypeSendMessage)
		return
	}
	c.sendEvent(events.MessageSent(e.ClientMessageID, report.Message))

	// Sending ends the sender's typing indicator.
	conversationID := report.Message.ConversationID
	if g.tracker.Stop(conversationID, c.UserID) {
		g.broadcastStopped(conversationID, c.UserID)
	}
}

func (g *Gateway) typingStart(ctx context.Context, c *Client, e events.TypingStart) {
	if e.UserID != "" && e.UserID != c.UserID {
		log.Debug("Client %s sent typing-start for %s, using %s", c.ID, e.UserID, c.UserID)
	}
	conversationID := conversationKey(e.ConversationID)
	if !g.registry.IsFocused(c.ID, conversationID) {
		conv, err := g.coordinator.Authorize(ctx, conversationID, c.UserID)
		if err != nil {
			c.sendError(delivery.ErrorCode(err), err.Error(), events.TypeTypingStart)
			return
		}
		conversationID = conv.ID
	}

	name := e.DisplayName
	if name == "" {
		name = c.DisplayName
	}
	g.tracker.Start(conversationID, c.UserID, name, c.ID)
	g.coordinator.Broadcast(conversationID, events.UserTyping(conversationID, c.UserID, name), skipUser(c.UserID))
}

func (g *Gateway) typingStop(c *Client, e events.TypingStop) {
	conversationID := conversationKey(e.ConversationID)
	if g.tracker.Stop(conversationID, c.UserID) {
		g.broadcastStopped(conversationID, c.UserID)
	}
}

func (g *Gateway) messagesRead(ctx context.Context, c *Client, e events.MessagesRead) {
	if _, err := g.coordinator.MarkRead(ctx, e.ConversationID, c.UserID, c.ID); err != nil {
		c.sendError(delivery.ErrorCode(err), err.Error(), events.TypeMessagesRead)
	}
}

func (g *Gateway) typingExpired(conversationID, userID string) {
	g.broadcastStopped(conversationID, userID)
}

func (g *Gateway) broadcastStopped(conversationID, userID string) {
	g.coordinator.Broadcast(conversationID, events.UserStoppedTyping(conversationID, userID), skipUser(userID))
}

// disconnect runs once per client, from its read pump.
func (g *Gateway) disconnect(c *Client) {
	departure, ok := g.registry.Unregister(c.ID)
	for _, t := range g.tracker.ClearConnection(c.ID) {
		g.broadcastStopped(t.ConversationID, t.UserID)
	}

	c.cancel()
	c.close()
	c.socket.Close()

	g.mu.Lock()
	delete(g.clients, c.ID)
	g.mu.Unlock()

	if ok && departure.Offline {
		g.setOffline(c.UserID)
	}
	log.Info("Client %s disconnected for user %s", c.ID, c.UserID)
}

func (g *Gateway) setOnline(userID string) {
	ctx, cancel := context.WithTimeout(g.ctx, time.Second)
	defer cancel()
	if err := g.mirror.SetOnline(ctx, userID); err != nil {
		log.Warn("Failed to mirror presence for %s: %v", userID, err)
	}
}

func (g *Gateway) setOffline(userID string) {
	// The gateway context may already be cancelled during shutdown.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := g.mirror.SetOffline(ctx, userID); err != nil {
		log.Warn("Failed to clear presence for %s: %v", userID, err)
	}
}

func (g *Gateway) refreshPresence(userID string) {
	if g.registry.UserOnline(userID) {
		g.setOnline(userID)
	}
}

// Shutdown closes every connection and waits for their pumps to exit.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	clients := make([]*Client, 0, len(g.clients))
	for _, c := range g.clients {
		clients = append(clients, c)
	}
	g.mu.Unlock()

	for _, c := range clients {
		c.close()
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	g.cancel()
	g.tracker.Close()
	return err
}

// conversationKey is the registry and tracker key for a client-supplied
// conversation id. Store ids are lowercase hex, so case is not significant.
// Paths that reach the store key on the id it returns instead.
func conversationKey(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

func skipUser(userID string) func(registry.Connection) bool {
	return func(conn registry.Connection) bool {
		return conn.UserID == userID
	}
}

// originChecker allows requests without an Origin header (non-browser
// clients) and browsers from an allowed origin. "*" allows any origin.
func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	allowAll := false
	for _, o := range allowed {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "*" {
			allowAll = true
		}
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || allowAll {
			return true
		}
		_, ok := set[strings.TrimRight(origin, "/")]
		if !ok {
			log.Warn("Rejected websocket origin %s", origin)
		}
		return ok
	}
}
