package push

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/crewdeck/crewdeck/internal/common/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The backend sits behind the app shell; origin policy is enforced there.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// RegisterRoutes mounts the push feed endpoint on the router.
func RegisterRoutes(router *gin.Engine, hub *Hub, log *logger.Logger) {
	log = log.WithFields(zap.String("component", "push-handler"))

	router.GET("/teams/events/ws", func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := NewClient(uuid.New().String(), conn, hub, log)
		hub.Register(client)

		go client.WritePump()
		go client.ReadPump()
	})
}
