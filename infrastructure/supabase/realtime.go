package supabase

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"papervault/application/ports"
	"papervault/domain/core/entities"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	heartbeatInterval = 25 * time.Second
	writeWait         = 10 * time.Second
	minBackoff        = time.Second
	maxBackoff        = 30 * time.Second
)

// phoenixMessage is one frame of the Phoenix channel protocol.
type phoenixMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     *string         `json:"ref"`
	JoinRef *string         `json:"join_ref,omitempty"`
}

// RealtimeOptions configures a Realtime client.
type RealtimeOptions struct {
	// URL of the project, e.g. https://abc.supabase.co. The websocket
	// endpoint is derived from it.
	URL         string
	APIKey      string
	AccessToken string
	Schema      string

	Heartbeat  time.Duration
	MinBackoff time.Duration
	MaxBackoff time.Duration
	Dialer     *websocket.Dialer
	Logger     *zap.Logger
}

// Realtime implements ports.RealtimeFeed over one websocket. Each
// subscription is one channel; the socket is dialed with the first
// subscription and closed after the last one leaves. A dropped socket is
// redialed with exponential backoff and every channel is joined again.
type Realtime struct {
	opts     RealtimeOptions
	endpoint string
	logger   *zap.Logger

	mu        sync.Mutex
	channels  map[string]*channel
	conn      *websocket.Conn
	connected bool
	ref       int
	topicSeq  int
	stop      chan struct{}
	done      chan struct{}

	writeMu sync.Mutex
}

type channel struct {
	topic      string
	collection entities.Collection
	filter     *ports.Filter
	handler    ports.FeedHandler
	joinRef    string
}

var _ ports.RealtimeFeed = (*Realtime)(nil)

// NewRealtime creates a client. Nothing is dialed until Subscribe.
func NewRealtime(opts RealtimeOptions) (*Realtime, error) {
	endpoint, err := websocketEndpoint(opts.URL, opts.APIKey)
	if err != nil {
		return nil, err
	}
	if opts.Schema == "" {
		opts.Schema = "public"
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = heartbeatInterval
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = minBackoff
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = maxBackoff
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Realtime{
		opts:     opts,
		endpoint: endpoint,
		logger:   logger.With(zap.String("component", "realtime")),
		channels: make(map[string]*channel),
	}, nil
}

func websocketEndpoint(raw, apiKey string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid realtime url: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("invalid realtime url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/realtime/v1/websocket"
	q := u.Query()
	q.Set("apikey", apiKey)
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connected reports whether the socket is currently up.
func (r *Realtime) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

// Subscribe implements ports.RealtimeFeed.
func (r *Realtime) Subscribe(_ context.Context, c entities.Collection, filter *ports.Filter, h ports.FeedHandler) (ports.Subscription, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("unknown collection %q", c)
	}
	r.mu.Lock()
	r.topicSeq++
	ch := &channel{
		topic:      fmt.Sprintf("realtime:%s-%d", c, r.topicSeq),
		collection: c,
		filter:     filter,
		handler:    h,
	}
	r.channels[ch.topic] = ch
	if r.stop == nil {
		r.stop = make(chan struct{})
		r.done = make(chan struct{})
		go r.run(r.stop, r.done)
	}
	conn, connected := r.conn, r.connected
	r.mu.Unlock()

	if connected {
		if err := r.join(conn, ch); err != nil {
			r.logger.Warn("Channel join failed", zap.String("topic", ch.topic), zap.Error(err))
		}
		h.OnStatus(true)
	}
	return &realtimeSubscription{r: r, topic: ch.topic}, nil
}

type realtimeSubscription struct {
	r     *Realtime
	topic string
	once  sync.Once
}

func (s *realtimeSubscription) Unsubscribe() error {
	var err error
	s.once.Do(func() { err = s.r.leave(s.topic) })
	return err
}

func (r *Realtime) leave(topic string) error {
	r.mu.Lock()
	ch, ok := r.channels[topic]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.channels, topic)
	conn, connected := r.conn, r.connected
	var stop, done chan struct{}
	if len(r.channels) == 0 {
		stop, done = r.stop, r.done
		r.stop, r.done = nil, nil
	}
	r.mu.Unlock()

	var err error
	if connected {
		err = r.send(conn, phoenixMessage{Topic: ch.topic, Event: "phx_leave", Payload: json.RawMessage("{}")})
	}
	if stop != nil {
		close(stop)
		r.closeConn()
		<-done
	}
	return err
}

func (r *Realtime) nextRef() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ref++
	return strconv.Itoa(r.ref)
}

func (r *Realtime) send(conn *websocket.Conn, msg phoenixMessage) error {
	if conn == nil {
		return fmt.Errorf("realtime socket is not connected")
	}
	if msg.Ref == nil {
		ref := r.nextRef()
		msg.Ref = &ref
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

type changeSpec struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
}

func (r *Realtime) join(conn *websocket.Conn, ch *channel) error {
	spec := changeSpec{Event: "*", Schema: r.opts.Schema, Table: string(ch.collection)}
	if ch.filter != nil && len(ch.filter.Values) > 0 {
		if len(ch.filter.Values) == 1 {
			spec.Filter = fmt.Sprintf("%s=eq.%s", ch.filter.Column, ch.filter.Values[0])
		} else {
			spec.Filter = fmt.Sprintf("%s=in.(%s)", ch.filter.Column, strings.Join(ch.filter.Values, ","))
		}
	}
	payload, err := json.Marshal(map[string]interface{}{
		"config": map[string]interface{}{
			"broadcast":        map[string]bool{"self": false},
			"presence":         map[string]string{"key": ""},
			"postgres_changes": []changeSpec{spec},
		},
		"access_token": r.opts.AccessToken,
	})
	if err != nil {
		return err
	}
	ref := r.nextRef()
	r.mu.Lock()
	ch.joinRef = ref
	r.mu.Unlock()
	return r.send(conn, phoenixMessage{Topic: ch.topic, Event: "phx_join", Payload: payload, Ref: &ref, JoinRef: &ref})
}

func (r *Realtime) closeConn() {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// run keeps the socket up until stop is closed.
func (r *Realtime) run(stop, done chan struct{}) {
	defer close(done)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	backoff := r.opts.MinBackoff
	for {
		select {
		case <-stop:
			return
		default:
		}

		conn, _, err := r.opts.Dialer.DialContext(ctx, r.endpoint, nil)
		if err != nil {
			r.logger.Warn("Realtime dial failed", zap.Duration("retry_in", backoff), zap.Error(err))
			select {
			case <-stop:
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > r.opts.MaxBackoff {
				backoff = r.opts.MaxBackoff
			}
			continue
		}
		backoff = r.opts.MinBackoff

		r.serve(conn, stop)

		select {
		case <-stop:
			return
		default:
		}
	}
}

// serve owns one socket until it fails or stop is closed.
func (r *Realtime) serve(conn *websocket.Conn, stop chan struct{}) {
	r.mu.Lock()
	r.conn = conn
	r.connected = true
	channels := r.snapshotLocked()
	r.mu.Unlock()

	r.logger.Info("Realtime connected", zap.Int("channels", len(channels)))
	for _, ch := range channels {
		if err := r.join(conn, ch); err != nil {
			r.logger.Warn("Channel join failed", zap.String("topic", ch.topic), zap.Error(err))
		}
	}
	r.notify(channels, true)

	beatDone := make(chan struct{})
	go r.heartbeat(conn, stop, beatDone)

	readWait := 2 * r.opts.Heartbeat
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-stop:
			default:
				r.logger.Warn("Realtime connection lost", zap.Error(err))
			}
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		r.dispatch(data)
	}

	close(beatDone)
	_ = conn.Close()
	r.mu.Lock()
	r.conn = nil
	r.connected = false
	channels = r.snapshotLocked()
	r.mu.Unlock()
	r.notify(channels, false)
}

func (r *Realtime) heartbeat(conn *websocket.Conn, stop, done chan struct{}) {
	ticker := time.NewTicker(r.opts.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			_ = conn.Close()
			return
		case <-done:
			return
		case <-ticker.C:
			if err := r.send(conn, phoenixMessage{Topic: "phoenix", Event: "heartbeat", Payload: json.RawMessage("{}")}); err != nil {
				r.logger.Warn("Heartbeat failed", zap.Error(err))
				_ = conn.Close()
				return
			}
		}
	}
}

func (r *Realtime) snapshotLocked() []*channel {
	out := make([]*channel, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, ch)
	}
	return out
}

func (r *Realtime) notify(channels []*channel, connected bool) {
	for _, ch := range channels {
		ch.handler.OnStatus(connected)
	}
}

type replyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

func (r *Realtime) dispatch(data []byte) {
	var msg phoenixMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		r.logger.Warn("Malformed realtime frame dropped", zap.Error(err))
		return
	}
	if msg.Topic == "phoenix" {
		return
	}

	r.mu.Lock()
	ch, ok := r.channels[msg.Topic]
	r.mu.Unlock()
	if !ok {
		return
	}

	switch msg.Event {
	case "postgres_changes":
		change, err := decodeChange(ch.collection, msg.Payload)
		if err != nil {
			r.logger.Warn("Malformed change payload dropped",
				zap.String("collection", string(ch.collection)),
				zap.Error(err),
			)
			return
		}
		ch.handler.OnChange(change)
	case "phx_reply":
		var reply replyPayload
		if err := json.Unmarshal(msg.Payload, &reply); err == nil && reply.Status != "ok" {
			r.logger.Warn("Channel request rejected",
				zap.String("topic", msg.Topic),
				zap.String("status", reply.Status),
				zap.ByteString("response", reply.Response),
			)
		}
	case "phx_error", "phx_close":
		r.logger.Warn("Channel closed by server", zap.String("topic", msg.Topic), zap.String("event", msg.Event))
	case "system":
		r.logger.Debug("Realtime system message", zap.String("topic", msg.Topic), zap.ByteString("payload", msg.Payload))
	}
}
