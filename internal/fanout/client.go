package fanout

import (
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/coachpo/meltica-ingest/internal/clock"
)

// Time/size bounds mirrored from pkg/websocket/client.go: writeWait/pongWait/
// pingPeriod/maxMessageSize.
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	clientSendBuf  = 256
)

// Client is a middleman between one WebSocket connection and the Hub,
// grounded on pkg/websocket/client.go's Client/readPump/writePump shape.
type Client struct {
	conn    *websocket.Conn
	send    chan []byte
	Session *Session
	hub     *Hub
	clk     clock.Clock
}

// NewClient constructs a client bound to conn and session, registered with
// hub once Register is called by the caller.
func NewClient(conn *websocket.Conn, session *Session, hub *Hub, clk clock.Clock) *Client {
	if clk == nil {
		clk = clock.New()
	}
	return &Client{
		conn:    conn,
		send:    make(chan []byte, clientSendBuf),
		Session: session,
		hub:     hub,
		clk:     clk,
	}
}

// ReadPump reads inbound client frames (subscribe/unsubscribe/filter) until
// the connection closes, then unregisters the client.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(c.clk.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(c.clk.Now().Add(pongWait))
		c.Session.Touch()
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.Session.Touch()
		c.handleInbound(data)
	}
}

// WritePump drains the client's send buffer to the socket and sends
// keepalive pings at pingPeriod, until the send channel is closed or a write
// fails.
func (c *Client) WritePump() {
	ticker := c.clk.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(c.clk.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C():
			c.conn.SetWriteDeadline(c.clk.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleInbound(data []byte) {
	var env inboundFrame
	if err := json.Unmarshal(data, &env); err != nil {
		c.sendFrame(encodeErrorFrame("malformed frame"))
		return
	}
	switch env.Type {
	case "subscribe":
		var req SubscribeRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			c.sendFrame(encodeErrorFrame("malformed subscribe payload"))
			return
		}
		c.Session.Subscribe(req.Symbol, req.Type)
		c.sendFrame(encodeAckFrame(req.Symbol, req.Type, true))
	case "unsubscribe":
		var req SubscribeRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			c.sendFrame(encodeErrorFrame("malformed unsubscribe payload"))
			return
		}
		c.Session.Unsubscribe(req.Symbol, req.Type)
		c.sendFrame(encodeAckFrame(req.Symbol, req.Type, false))
	case "filter":
		var req FilterRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			c.sendFrame(encodeErrorFrame("malformed filter payload"))
			return
		}
		c.Session.SetFilter(buildFilter(req))
	default:
		c.sendFrame(encodeErrorFrame("unknown frame type " + env.Type))
	}
}

func (c *Client) sendFrame(frame []byte) {
	select {
	case c.send <- frame:
	default:
		// send buffer full; drop rather than block the read loop.
	}
}
