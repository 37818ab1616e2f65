package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// JSON-RPC 2.0 structures

type jsonRPCRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
	ID      any            `json:"id,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	Result  any           `json:"result,omitempty"`
	Error   *jsonRPCError `json:"error,omitempty"`
	ID      any           `json:"id,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type jsonRPCNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

func notification(method string, params ...any) jsonRPCNotification {
	return jsonRPCNotification{JSONRPC: "2.0", Method: method, Params: params}
}

const (
	wsSendBuffer   = 64
	wsReadLimit    = 64 * 1024
	wsPongWait     = 60 * time.Second
	wsPingInterval = 30 * time.Second
	wsWriteWait    = 10 * time.Second
)

// wsClient is one websocket connection.
type wsClient struct {
	id     int64
	conn   *websocket.Conn
	server *Server
	sendCh chan []byte
	done   chan struct{}
	once   sync.Once
}

// Send encodes and queues msg. A message that cannot be encoded is logged
// and returned as an error; the connection stays up.
func (c *wsClient) Send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		c.server.logger.Warn("dropping unencodable websocket message", "client", c.id, "error", err)
		return err
	}
	c.sendRaw(data)
	return nil
}

// sendRaw queues an encoded message, dropping it if the client is not
// keeping up.
func (c *wsClient) sendRaw(data []byte) {
	select {
	case c.sendCh <- data:
	case <-c.done:
	default:
		c.server.logger.Warn("dropping websocket message, client too slow", "client", c.id)
	}
}

// Close closes the connection once.
func (c *wsClient) Close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *wsClient) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.Close()
	}()

	c.conn.SetReadLimit(wsReadLimit)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.logger.Warn("websocket read error", "client", c.id, "error", err)
			}
			return
		}
		c.handleMessage(message)
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case data := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.server.logger.Warn("websocket write error", "client", c.id, "error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

func (c *wsClient) handleMessage(data []byte) {
	var req jsonRPCRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.sendError(nil, -32700, "Parse error")
		return
	}

	result, err := c.server.dispatchMethod(req.Method, req.Params)
	if err != nil {
		c.sendError(req.ID, -32601, err.Error())
		return
	}
	if err := c.Send(jsonRPCResponse{JSONRPC: "2.0", Result: result, ID: req.ID}); err != nil {
		c.sendError(req.ID, -32603, "Internal error: "+err.Error())
	}
}

func (c *wsClient) sendError(id any, code int, message string) {
	c.Send(jsonRPCResponse{
		JSONRPC: "2.0",
		Error:   &jsonRPCError{Code: code, Message: message},
		ID:      id,
	})
}

func (s *Server) dispatchMethod(method string, params map[string]any) (any, error) {
	switch method {
	case "server.info":
		return s.serverInfo(), nil

	case "printer.objects.list":
		return map[string]any{"objects": s.cfg.Objects.Names()}, nil

	case "printer.objects.query":
		eventtime := s.cfg.Clock()
		status := make(map[string]any)
		objects, _ := params["objects"].(map[string]any)
		for name := range objects {
			if obj, ok := s.cfg.Objects.Lookup(name); ok {
				status[name] = obj.GetStatus(eventtime)
			}
		}
		return map[string]any{"eventtime": eventtime, "status": status}, nil

	case "printer.emergency_stop":
		if s.cfg.Safety == nil {
			return nil, fmt.Errorf("no safety manager")
		}
		s.cfg.Safety.EmergencyStop("")
		return "ok", nil
	}
	return nil, fmt.Errorf("method not found: %s", method)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &wsClient{
		id:     nextID(&s.nextWSID),
		conn:   conn,
		server: s,
		sendCh: make(chan []byte, wsSendBuffer),
		done:   make(chan struct{}),
	}

	s.wsClientMu.Lock()
	s.wsClients[client.id] = client
	s.wsClientMu.Unlock()
	s.logger.Debug("websocket client connected", "client", client.id)

	if s.cfg.Safety != nil && !s.cfg.Safety.GetStatus().IsOperational {
		client.Send(notification("notify_klippy_shutdown"))
	} else {
		client.Send(notification("notify_klippy_ready"))
	}

	go client.writePump()
	client.readPump()
}

func (s *Server) removeClient(client *wsClient) {
	s.wsClientMu.Lock()
	delete(s.wsClients, client.id)
	s.wsClientMu.Unlock()
	s.logger.Debug("websocket client disconnected", "client", client.id)
}
