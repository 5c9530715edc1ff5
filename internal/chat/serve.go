package chat

import (
	"net/http"
	"strings"
	"time"

	"github.com/camerpulse/camerpulse-sub041/internal/auth"
	"github.com/camerpulse/camerpulse-sub041/internal/config"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const maxIDLength = 64

// Serve 处理 /ws?channel_id=..&client_id=..[&token=..]。
// 没有令牌的连接以访客身份加入，是否允许发言由 AllowGuests 决定。
func Serve(reg *Registry, cfg config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		channelID := strings.TrimSpace(c.Query("channel_id"))
		clientID := strings.TrimSpace(c.Query("client_id"))
		if channelID == "" || len(channelID) > maxIDLength {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid channel_id"})
			return
		}
		if clientID == "" || len(clientID) > maxIDLength {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid client_id"})
			return
		}

		userID, guest := "guest:"+clientID, true
		if token := auth.BearerToken(c); token != "" {
			claims, err := auth.ParseAccessToken(token, cfg.JWTSecret)
			if err != nil {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
				return
			}
			userID, guest = claims.UserID, false
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		s := NewSession(channelID, userID, guest)
		s.conn = conn
		if _, err := reg.Join(s); err != nil {
			log.Warn().Err(err).Str("channel_id", channelID).Str("user_id", userID).Msg("join channel")
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.TextMessage, encodeError(err))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()))
			_ = conn.Close()
			return
		}

		go s.writePump()
		s.readPump(c.Request.Context())
	}
}
