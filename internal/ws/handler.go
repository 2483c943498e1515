package ws

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/qiuyier/ledger-sync/config"
	"github.com/qiuyier/ledger-sync/internal/auth"
	"github.com/qiuyier/ledger-sync/internal/consts"
)

type MessageHandler interface {
	HandleMessage(conn *Connection, data []byte) error
}

// clientHandler 客户端只会发送 ping，其余消息回复错误
type clientHandler struct{}

func (clientHandler) HandleMessage(conn *Connection, data []byte) error {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		conn.sendError(consts.ErrorCodeBadMessage, "invalid message")
		return fmt.Errorf("decode client message: %w", err)
	}

	switch msg.Type {
	case MessageTypePing:
		pong, err := encodeMessage(MessageTypePong, nil)
		if err != nil {
			return err
		}
		conn.Send(pong)
		return nil
	default:
		conn.sendError(consts.ErrorCodeBadMessage, "unsupported message type")
		return fmt.Errorf("unsupported message type %q", msg.Type)
	}
}

func (c *Connection) sendError(code int, message string) {
	data, err := encodeMessage(MessageTypeError, &ErrorPayload{Code: code, Message: message})
	if err != nil {
		return
	}
	c.Send(data)
}

// Handler 校验 JWT 后升级为 WebSocket 并加入 Hub
type Handler struct {
	hub      *Hub
	auth     *auth.JWTAuth
	cfg      config.WSConfig
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

func NewHandler(hub *Hub, jwtAuth *auth.JWTAuth, cfg config.WSConfig, logger *zap.Logger) *Handler {
	return &Handler{
		hub:  hub,
		auth: jwtAuth,
		cfg:  cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   cfg.ReadBufferSize,
			WriteBufferSize:  cfg.WriteBufferSize,
			HandshakeTimeout: cfg.HandshakeTimeout,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
		logger: logger.Named("ws"),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := tokenFromRequest(r)
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	claims, err := h.auth.ValidateToken(token)
	if err != nil {
		h.logger.Warn("ws rejected", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	deviceID := claims.DeviceID
	if deviceID == "" {
		deviceID = uuid.NewString()
	}

	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 已写入错误响应
		h.logger.Error("ws upgrade failed", zap.Error(err))
		return
	}

	conn := NewConnection(
		claims.UserID, claims.Email, deviceID,
		wsConn,
		h.cfg.SendChannelSize,
		h.cfg.MaxMessageSize,
		h.cfg.PongTimeout,
		h.logger,
	)

	go conn.WritePump(h.cfg.PingInterval)

	if err := h.hub.AddConnection(conn); err != nil {
		h.logger.Warn("ws connection refused",
			zap.String("group_key", claims.Email),
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
		conn.sendError(consts.ErrorCodeKickout, err.Error())
		conn.Close()
		return
	}

	conn.ReadPump(clientHandler{})
	h.hub.RemoveConnection(conn)
}

// tokenFromRequest 依次读取 query token 和 Authorization: Bearer
func tokenFromRequest(r *http.Request) string {
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token
	}

	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(authz) > 7 && strings.EqualFold(authz[:7], "bearer ") {
		return strings.TrimSpace(authz[7:])
	}
	return ""
}
