package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/ericfitz/realtime/internal/config"
	"github.com/ericfitz/realtime/internal/slogging"
)

// sessionClaims is the JWT payload minted by the web application when it
// hands a user off to the hub.
type sessionClaims struct {
	UserID    string `json:"user_id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	jwt.RegisteredClaims
}

// wsRequest is one inbound operation frame. Cb correlates the response; a
// zero Cb means the client does not want one.
type wsRequest struct {
	Name string            `json:"name"`
	Args []json.RawMessage `json:"args"`
	Cb   int64             `json:"cb,omitempty"`
}

// WebsocketServer upgrades connections, authenticates them and dispatches
// their operation frames to the controller.
type WebsocketServer struct {
	controller *WebsocketController
	hub        *Hub
	upgrader   websocket.Upgrader
	jwtSecret  []byte

	writeTimeout time.Duration
	pingInterval time.Duration
	queueSize    int
	maxPayload   int

	connCounter atomic.Int64
}

// NewWebsocketServer creates the websocket transport over the controller.
func NewWebsocketServer(controller *WebsocketController, hub *Hub, cfg config.WebSocketConfig, jwtSecret string, maxPayload int) *WebsocketServer {
	return &WebsocketServer{
		controller: controller,
		hub:        hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			// The hub sits behind the web application's proxy; origin
			// enforcement happens there.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		jwtSecret:    []byte(jwtSecret),
		writeTimeout: cfg.WriteTimeout,
		pingInterval: cfg.PingInterval,
		queueSize:    cfg.SendQueueSize,
		maxPayload:   maxPayload,
	}
}

// HandleConnection authenticates and upgrades one websocket connection, then
// runs its read and write pumps until it goes away.
func (s *WebsocketServer) HandleConnection(c *gin.Context) {
	logger := slogging.Get()

	user, err := s.authenticate(c.Request)
	if err != nil {
		logger.Info("rejecting websocket connection: %v", err)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid session token"})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("failed to upgrade connection: %v", err)
		return
	}

	client := NewClient(fmt.Sprintf("conn-%d", s.connCounter.Add(1)), s.queueSize)
	s.hub.Register(client)
	client.SetOnDisconnect(func() {
		if err := s.controller.LeaveProject(context.Background(), client); err != nil {
			logger.Warn("failed to leave project on disconnect of %s: %v", client.PublicID, err)
		}
		s.hub.Unregister(client)
	})

	logger.Debug("client %s connected (user %s)", client.PublicID, user.ID)
	client.Emit("connectionAccepted", nil, client.PublicID)

	go s.writePump(conn, client)
	s.readPump(conn, client, user)
}

// authenticate verifies the session JWT from the query string or the
// Authorization header and returns the user it describes. An anonymous
// session carries empty identity fields.
func (s *WebsocketServer) authenticate(r *http.Request) (User, error) {
	tokenString := r.URL.Query().Get("token")
	if tokenString == "" {
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			tokenString = strings.TrimPrefix(h, "Bearer ")
		}
	}
	if tokenString == "" {
		return User{}, errors.New("missing session token")
	}

	claims := &sessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return User{}, fmt.Errorf("failed to parse session token: %w", err)
	}
	if !token.Valid {
		return User{}, errors.New("session token is not valid")
	}
	return User{
		ID:        claims.UserID,
		FirstName: claims.FirstName,
		LastName:  claims.LastName,
		Email:     claims.Email,
	}, nil
}

func (s *WebsocketServer) readPump(conn *websocket.Conn, client *Client, user User) {
	logger := slogging.Get()
	defer func() {
		client.Disconnect()
		_ = conn.Close()
	}()

	_ = conn.SetReadDeadline(time.Now().Add(s.pingInterval * 2))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.pingInterval * 2))
	})
	conn.SetReadLimit(int64(s.maxPayload))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Warn("websocket read error for client %s: %v", client.PublicID, err)
			}
			return
		}

		var req wsRequest
		if err := parseSafeJSON(data, s.maxPayload, &req); err != nil {
			logger.Warn("dropping malformed frame from client %s: %v", client.PublicID, err)
			continue
		}
		s.dispatch(conn, client, user, &req)
	}
}

// dispatch routes one operation frame to the controller and replies on the
// client's callback id. ErrAbandoned completes the callback with no error
// and no result, matching the superseded-not-failed contract.
func (s *WebsocketServer) dispatch(conn *websocket.Conn, client *Client, user User, req *wsRequest) {
	ctx := context.Background()

	var result []any
	var err error
	switch req.Name {
	case "joinProject":
		var args struct {
			ProjectID string `json:"project_id"`
		}
		if err = unmarshalArg(req.Args, 0, &args); err == nil {
			var join *JoinProjectResult
			join, err = s.controller.JoinProject(ctx, client, args.ProjectID, user)
			if err == nil {
				result = []any{join.Project, string(join.PrivilegeLevel), join.ProtocolVersion}
			}
		}

	case "joinDoc":
		var docID string
		var opts struct {
			FromVersion  int64 `json:"fromVersion"`
			EncodeRanges bool  `json:"encodeRanges"`
		}
		if err = unmarshalArg(req.Args, 0, &docID); err == nil {
			if len(req.Args) > 1 {
				err = unmarshalArg(req.Args, 1, &opts)
			}
		}
		if err == nil {
			var doc *JoinDocResult
			doc, err = s.controller.JoinDoc(ctx, client, docID, opts.FromVersion, JoinDocOptions{EncodeRanges: opts.EncodeRanges})
			if err == nil {
				result = []any{doc.Lines, doc.Version, doc.Ops, doc.Ranges}
			}
		}

	case "leaveDoc":
		var docID string
		if err = unmarshalArg(req.Args, 0, &docID); err == nil {
			err = s.controller.LeaveDoc(client, docID)
		}

	case "leaveProject":
		err = s.controller.LeaveProject(ctx, client)

	case "applyOtUpdate":
		var docID string
		var update OtUpdate
		if err = unmarshalArg(req.Args, 0, &docID); err == nil {
			if err = unmarshalArg(req.Args, 1, &update); err == nil {
				err = s.controller.ApplyOtUpdate(ctx, client, docID, &update)
			}
		}

	case "clientTracking.updatePosition", "updateClientPosition":
		var cursor Cursor
		if err = unmarshalArg(req.Args, 0, &cursor); err == nil {
			err = s.controller.UpdateClientPosition(ctx, client, cursor)
		}

	case "clientTracking.getConnectedUsers", "getConnectedUsers":
		var users []ConnectedUser
		users, err = s.controller.GetConnectedUsers(ctx, client)
		if err == nil {
			result = []any{users}
		}

	default:
		err = fmt.Errorf("unknown operation: %s", req.Name)
	}

	if req.Cb == 0 {
		if err != nil && !errors.Is(err, ErrAbandoned) {
			slogging.Get().Warn("operation %s failed for client %s: %v", req.Name, client.PublicID, err)
		}
		return
	}

	args := []any{req.Cb}
	switch {
	case errors.Is(err, ErrAbandoned):
		// Superseded, not failed: complete with neither error nor result.
		args = append(args, nil)
	case err != nil:
		args = append(args, map[string]any{"message": err.Error()})
	default:
		args = append(args, nil)
		args = append(args, result...)
	}
	client.Emit("callback", args...)
}

func unmarshalArg(args []json.RawMessage, i int, v any) error {
	if i >= len(args) {
		return fmt.Errorf("missing argument %d", i)
	}
	if err := json.Unmarshal(args[i], v); err != nil {
		return fmt.Errorf("invalid argument %d: %w", i, err)
	}
	return nil
}

func (s *WebsocketServer) writePump(conn *websocket.Conn, client *Client) {
	ticker := time.NewTicker(s.pingInterval)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case msg := <-client.Outbound():
			_ = conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				client.Disconnect()
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				client.Disconnect()
				return
			}
		case <-client.Closed():
			// Drain anything already queued before closing.
			for {
				select {
				case msg := <-client.Outbound():
					_ = conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
					if err := conn.WriteJSON(msg); err != nil {
						return
					}
				default:
					_ = conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
					_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}
