package ws

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
)

const (
	WriteWait      = 10 * time.Second
	PongWait       = 60 * time.Second
	PingPeriod     = (PongWait * 9) / 10
	MaxMessageSize = 4096
)

type Client struct {
	Conn   *websocket.Conn
	Send   chan []byte
	Hub    *Hub
	UserID string
}

func NewClient(hub *Hub, conn *websocket.Conn, userID string) *Client {
	return &Client{
		Conn:   conn,
		Send:   make(chan []byte, 256),
		Hub:    hub,
		UserID: userID,
	}
}

// ClientRequest is a message sent by the browser.
type ClientRequest struct {
	Action      string `json:"action"`
	RecoveryKey string `json:"recovery_key,omitempty"`
}

type RequestHandler func(userID string, req ClientRequest)

// ParseRequest reads a browser message. Messages that are not JSON objects
// or carry no action are ignored.
func ParseRequest(raw []byte) (ClientRequest, bool) {
	if !gjson.ValidBytes(raw) {
		return ClientRequest{}, false
	}
	res := gjson.ParseBytes(raw)
	if !res.IsObject() {
		return ClientRequest{}, false
	}
	req := ClientRequest{
		Action:      res.Get("action").String(),
		RecoveryKey: res.Get("recovery_key").String(),
	}
	return req, req.Action != ""
}

func (c *Client) ReadPump(onRequest RequestHandler) {
	defer func() {
		c.Hub.Unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(PongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(PongWait))
		return nil
	})

	for {
		_, raw, err := c.Conn.ReadMessage()
		if err != nil {
			break
		}

		req, ok := ParseRequest(raw)
		if !ok {
			continue
		}
		onRequest(c.UserID, req)
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(PingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(WriteWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(WriteWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
