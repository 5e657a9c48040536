// Package realtime subscribes to row change notifications over the
// backend's Phoenix-style websocket channel.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmitrijs2005/famsync/internal/client/models"
	"github.com/dmitrijs2005/famsync/internal/common"
	"github.com/dmitrijs2005/famsync/internal/logging"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed for the join reply.
	joinWait = 10 * time.Second

	// DefaultHeartbeat is the Phoenix heartbeat period.
	DefaultHeartbeat = 25 * time.Second

	maxMessageSize = 1 << 20
)

// ErrJoinRejected is returned when the server refuses the channel join.
var ErrJoinRejected = errors.New("channel join rejected")

// TokenSource yields the access token sent with the join.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// Client opens one Channel per subscription.
type Client struct {
	wsURL     string
	tokens    TokenSource
	heartbeat time.Duration
	dialer    *websocket.Dialer
	logger    logging.Logger
}

// New builds a client for the backend at baseURL (http or https).
func New(baseURL, apiKey string, tokens TokenSource, heartbeat time.Duration, logger logging.Logger) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" || strings.TrimSpace(apiKey) == "" {
		return nil, common.Validation("realtime", common.ErrConfigMissing)
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path += "/realtime/v1/websocket"
	u.RawQuery = url.Values{"apikey": {apiKey}, "vsn": {"1.0.0"}}.Encode()

	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Client{
		wsURL:     u.String(),
		tokens:    tokens,
		heartbeat: heartbeat,
		dialer:    websocket.DefaultDialer,
		logger:    logger,
	}, nil
}

type message struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     *string         `json:"ref"`
}

type changeFilter struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter"`
}

type joinPayload struct {
	Config struct {
		PostgresChanges []changeFilter `json:"postgres_changes"`
	} `json:"config"`
	AccessToken string `json:"access_token,omitempty"`
}

type replyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type changePayload struct {
	Data struct {
		Table           string          `json:"table"`
		Type            string          `json:"type"`
		CommitTimestamp string          `json:"commit_timestamp"`
		Record          json.RawMessage `json:"record"`
		OldRecord       json.RawMessage `json:"old_record"`
	} `json:"data"`
}

// Topic returns the channel topic for a group.
func Topic(groupID string) string { return "realtime:family-" + groupID }

// Subscribe joins the change channel of groupID, covering its membership
// rows and the group row itself.
func (c *Client) Subscribe(ctx context.Context, groupID string) (*Channel, error) {
	var token string
	if c.tokens != nil {
		t, err := c.tokens.AccessToken(ctx)
		if err != nil {
			return nil, err
		}
		token = t
	}

	conn, _, err := c.dialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return nil, common.Connectivity("realtime.dial", err).WithMsg(err.Error())
	}
	conn.SetReadLimit(maxMessageSize)

	ch := &Channel{
		conn:    conn,
		topic:   Topic(groupID),
		events:  make(chan models.ChangeEvent, 16),
		joined:  make(chan error, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		logger:  c.logger.With("topic", Topic(groupID)),
	}

	var join joinPayload
	join.AccessToken = token
	join.Config.PostgresChanges = []changeFilter{
		{Event: "*", Schema: "public", Table: common.TableMemberships, Filter: "group_id=eq." + groupID},
		{Event: "*", Schema: "public", Table: common.TableGroups, Filter: "id=eq." + groupID},
	}
	ch.joinRef = ch.nextRef()

	go ch.readPump()

	if err := ch.send(ch.topic, "phx_join", join, ch.joinRef); err != nil {
		_ = ch.Close()
		return nil, common.Connectivity("realtime.join", err).WithMsg(err.Error())
	}

	timer := time.NewTimer(joinWait)
	defer timer.Stop()

	select {
	case err := <-ch.joined:
		if err != nil {
			_ = ch.Close()
			return nil, err
		}
	case <-timer.C:
		_ = ch.Close()
		return nil, common.Connectivity("realtime.join", common.ErrTimeout)
	case <-ctx.Done():
		_ = ch.Close()
		return nil, ctx.Err()
	}

	go ch.heartbeatLoop(c.heartbeat)
	ch.logger.Info(ctx, "realtime channel joined")
	return ch, nil
}

// Channel is a joined subscription. Events is closed once the channel stops.
type Channel struct {
	conn    *websocket.Conn
	topic   string
	joinRef string
	ref     atomic.Uint64

	writeMu sync.Mutex
	events  chan models.ChangeEvent
	joined  chan error
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
	logger  logging.Logger
}

// Events delivers every change notification in arrival order.
func (ch *Channel) Events() <-chan models.ChangeEvent { return ch.events }

// Topic returns the joined topic.
func (ch *Channel) Topic() string { return ch.topic }

func (ch *Channel) nextRef() string { return strconv.FormatUint(ch.ref.Add(1), 10) }

func (ch *Channel) send(topic, event string, payload any, ref string) error {
	p, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(message{Topic: topic, Event: event, Payload: p, Ref: &ref})
	if err != nil {
		return err
	}

	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()
	_ = ch.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return ch.conn.WriteMessage(websocket.TextMessage, data)
}

func (ch *Channel) heartbeatLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ch.done:
			return
		case <-t.C:
			if err := ch.send("phoenix", "heartbeat", struct{}{}, ch.nextRef()); err != nil {
				ch.logger.Warn(context.Background(), "heartbeat failed", "error", err)
				return
			}
		}
	}
}

func (ch *Channel) readPump() {
	defer func() {
		close(ch.events)
		close(ch.stopped)
	}()

	for {
		_, data, err := ch.conn.ReadMessage()
		if err != nil {
			select {
			case <-ch.done:
			default:
				ch.logger.Warn(context.Background(), "realtime read failed", "error", err)
				ch.signalJoin(common.Connectivity("realtime.read", err).WithMsg(err.Error()))
			}
			return
		}

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil || msg.Topic != ch.topic {
			continue
		}

		switch msg.Event {
		case "phx_reply":
			if msg.Ref != nil && *msg.Ref == ch.joinRef {
				ch.handleJoinReply(msg.Payload)
			}
		case "postgres_changes":
			ev, ok := decodeChange(msg.Payload)
			if !ok {
				continue
			}
			select {
			case ch.events <- ev:
			case <-ch.done:
				return
			}
		case "phx_error", "phx_close":
			ch.logger.Warn(context.Background(), "realtime channel closed by server", "event", msg.Event)
			return
		}
	}
}

func (ch *Channel) handleJoinReply(raw json.RawMessage) {
	var r replyPayload
	if err := json.Unmarshal(raw, &r); err != nil {
		ch.signalJoin(fmt.Errorf("decode join reply: %w", err))
		return
	}
	if r.Status != "ok" {
		ch.signalJoin(common.NewError(common.KindBackend, "realtime.join", ErrJoinRejected).WithMsg(string(r.Response)))
		return
	}
	ch.signalJoin(nil)
}

func (ch *Channel) signalJoin(err error) {
	select {
	case ch.joined <- err:
	default:
	}
}

func decodeChange(raw json.RawMessage) (models.ChangeEvent, bool) {
	var p changePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return models.ChangeEvent{}, false
	}
	t := models.ChangeType(strings.ToUpper(p.Data.Type))
	switch t {
	case models.ChangeInsert, models.ChangeUpdate, models.ChangeDelete:
	default:
		return models.ChangeEvent{}, false
	}
	// Payloads are only logged, so an unparsable timestamp is left zero.
	commit, _ := time.Parse(time.RFC3339Nano, p.Data.CommitTimestamp)
	return models.ChangeEvent{
		Table:      p.Data.Table,
		Type:       t,
		CommitTime: commit,
		Record:     p.Data.Record,
		OldRecord:  p.Data.OldRecord,
	}, true
}

// Close leaves the channel and closes the connection. It is idempotent and
// waits for the read loop to finish.
func (ch *Channel) Close() error {
	var err error
	ch.once.Do(func() {
		close(ch.done)
		_ = ch.send(ch.topic, "phx_leave", struct{}{}, ch.nextRef())

		ch.writeMu.Lock()
		_ = ch.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		ch.writeMu.Unlock()

		err = ch.conn.Close()
		<-ch.stopped
	})
	return err
}
