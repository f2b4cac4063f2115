package ws

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// IdentityKey is the gin context key the auth middleware stores the
// verified user id under.
const IdentityKey = "userId"

// Manager upgrades HTTP requests to websocket sessions.
type Manager struct {
	handler  *Handler
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewManager accepts any origin when allowedOrigins is empty; otherwise the
// Origin header must start with one of the prefixes. A missing or "null"
// origin is always accepted.
func NewManager(handler *Handler, allowedOrigins []string, logger zerolog.Logger) *Manager {
	return &Manager{
		handler: handler,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		logger: logger.With().Str("component", "ws-manager").Logger(),
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		if len(allowed) == 0 {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" || origin == "null" {
			return true
		}
		for _, p := range allowed {
			if strings.HasPrefix(origin, p) {
				return true
			}
		}
		return false
	}
}

func (m *Manager) WebSocketConnect(c *gin.Context) {
	identity := c.GetString(IdentityKey)
	wsConn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		m.logger.Warn().Err(err).Str("origin", c.Request.Header.Get("Origin")).Msg("websocket upgrade failed")
		return
	}
	conn := NewConn(wsConn, m.handler, identity, m.logger)
	conn.Serve(c.Request.Context())
}
