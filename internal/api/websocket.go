package api

import (
	"encoding/json"
	"net/http"
	"time"

	"tradedesk/internal/events"
	"tradedesk/internal/marketmux"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const wsSendBuffer = 256

// wsClient adapts one websocket connection to the multiplexer's Client
// interface. Deliver never blocks; a full send queue drops the frame for
// this client only.
type wsClient struct {
	id   string
	send chan marketmux.Message
}

func (c *wsClient) ID() string { return c.id }

func (c *wsClient) Deliver(msg marketmux.Message) {
	select {
	case c.send <- msg:
	default:
		// Slow consumer; dropping beats stalling every other client.
	}
}

// wsCommand is the inbound client control frame.
type wsCommand struct {
	Action   string `json:"action"` // subscribe | unsubscribe
	Symbol   string `json:"symbol"`
	Interval string `json:"interval"`
	Limit    int    `json:"limit"`
}

func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Msg("ws upgrade failed")
		return
	}
	defer conn.Close()

	// Optional ?token= scopes private events (orders, balances) to the
	// authenticated user; anonymous sockets still get market data.
	userID := ""
	if token := c.Query("token"); token != "" {
		if id, err := parseToken(token, s.JWTSecret); err == nil {
			userID = id
		}
	}

	client := &wsClient{id: uuid.NewString(), send: make(chan marketmux.Message, wsSendBuffer)}
	done := make(chan struct{})

	// Writer pump: everything leaves through the send queue so concurrent
	// producers never interleave writes on the socket.
	go func() {
		for {
			select {
			case msg := <-client.send:
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	if s.Bus != nil {
		stop := s.forwardBusEvents(client, userID)
		defer stop()
	}
	if s.Mux != nil {
		defer s.Mux.Disconnect(client.id)
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var cmd wsCommand
		if err := json.Unmarshal(raw, &cmd); err != nil {
			client.Deliver(marketmux.Message{Type: "error", Data: gin.H{"error": "invalid command"}})
			continue
		}
		switch cmd.Action {
		case "subscribe", "subscribe_symbol_with_indicators":
			if s.Mux == nil || cmd.Symbol == "" {
				client.Deliver(marketmux.Message{Type: "error", Data: gin.H{"error": "symbol required"}})
				continue
			}
			if err := s.Mux.Subscribe(c.Request.Context(), client, cmd.Symbol, cmd.Interval, cmd.Limit); err != nil {
				client.Deliver(marketmux.Message{Type: "error", Symbol: cmd.Symbol, Data: gin.H{"error": err.Error()}})
			}
		case "unsubscribe":
			if s.Mux != nil {
				s.Mux.Disconnect(client.id)
			}
		default:
			client.Deliver(marketmux.Message{Type: "error", Data: gin.H{"error": "unknown action"}})
		}
	}
	close(done)
}

// forwardBusEvents relays execution-side events onto the socket. Private
// topics are filtered to the socket's user.
func (s *Server) forwardBusEvents(client *wsClient, userID string) func() {
	type topicSpec struct {
		topic   events.Topic
		msgType string
	}
	specs := []topicSpec{
		{events.TopicConnectionStatus, "connection_status"},
	}
	if userID != "" {
		specs = append(specs,
			topicSpec{events.TopicOrderUpdate, "order_update"},
			topicSpec{events.TopicBalanceUpdate, "balance_update"},
			topicSpec{events.TopicListStatus, "list_status_update"},
			topicSpec{events.TopicPositionOpened, "position_opened"},
			topicSpec{events.TopicPositionClosed, "position_closed"},
		)
	}

	stop := make(chan struct{})
	var unsubs []func()
	for _, spec := range specs {
		ch, unsub := s.Bus.Subscribe(spec.topic, 100)
		unsubs = append(unsubs, unsub)
		go func(spec topicSpec, ch <-chan any) {
			for {
				select {
				case payload, ok := <-ch:
					if !ok {
						return
					}
					if userID != "" && !payloadForUser(payload, userID) {
						continue
					}
					client.Deliver(marketmux.Message{Type: spec.msgType, Data: payload})
				case <-stop:
					return
				}
			}
		}(spec, ch)
	}
	return func() {
		close(stop)
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

// payloadForUser filters user-scoped events; events without a user stamp
// pass through.
func payloadForUser(payload any, userID string) bool {
	switch v := payload.(type) {
	case events.OrderUpdate:
		return v.UserID == userID
	case events.BalanceUpdate:
		return v.UserID == userID
	case events.ListStatus:
		return v.UserID == userID
	case events.PositionEvent:
		return v.UserID == userID
	case events.ConnectionStatus:
		return v.UserID == "" || v.UserID == userID
	default:
		return true
	}
}
