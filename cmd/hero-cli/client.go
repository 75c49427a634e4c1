package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xiaot623/hero/internal/protocol"
	"github.com/xiaot623/hero/internal/ws"
)

// Client is a live channel connection for one user.
type Client struct {
	conn *websocket.Conn
}

// ackMessage covers every *_result reply the server sends.
type ackMessage struct {
	Type          string `json:"type"`
	ExecutionID   string `json:"executionId,omitempty"`
	QuestionID    string `json:"questionId,omitempty"`
	InteractionID string `json:"interactionId,omitempty"`
	Success       bool   `json:"success"`
	Error         string `json:"error,omitempty"`
	Message       string `json:"message,omitempty"`
}

// Dial connects to the live channel as the given user.
func Dial(addr string, userID int64, apiKey string) (*Client, error) {
	header := http.Header{}
	header.Set(ws.HeaderUserID, strconv.FormatInt(userID, 10))
	if apiKey != "" {
		header.Set(ws.HeaderAPIKey, apiKey)
	}

	conn, resp, err := websocket.DefaultDialer.Dial(addr, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the client connection.
func (c *Client) Close() error {
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.conn.Close()
}

// Send writes one message.
func (c *Client) Send(msg interface{}) error {
	return c.conn.WriteJSON(msg)
}

// Next reads one raw message.
func (c *Client) Next() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

// Await reads until the reply of the given type for id arrives. Unrelated
// traffic is skipped.
func (c *Client) Await(ctx context.Context, replyType, id string) (*ackMessage, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(deadline)
		defer c.conn.SetReadDeadline(time.Time{})
	}
	for {
		data, err := c.Next()
		if err != nil {
			return nil, fmt.Errorf("read reply: %w", err)
		}
		var ack ackMessage
		if err := json.Unmarshal(data, &ack); err != nil {
			continue
		}
		if ack.Type == protocol.TypeError {
			return nil, fmt.Errorf("server rejected message: %s", ack.Message)
		}
		if ack.Type != replyType {
			continue
		}
		if ack.ExecutionID == id || ack.QuestionID == id || ack.InteractionID == id {
			return &ack, nil
		}
	}
}
