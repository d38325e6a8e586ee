package session

import (
	"net/http"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/gorilla/websocket"
)

// Handler upgrades incoming HTTP requests to WebSocket and runs one FSM per
// connection, grounded on katagun-webpa-common/device/manager.go's
// Manager.Connect: upgrade happens last, after any precondition checks the
// caller wants to run (this package has none of its own - Deps carries
// everything an FSM needs).
type Handler struct {
	upgrader websocket.Upgrader
	deps     Deps
}

func NewHandler(deps Deps) *Handler {
	if deps.Logger == nil {
		deps.Logger = log.NewNopLogger()
	}
	return &Handler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		deps: deps,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		level.Error(h.deps.Logger).Log("msg", "websocket upgrade failed", "error", err)
		return
	}

	fsm := New(conn, h.deps)
	if err := fsm.Run(r.Context()); err != nil {
		level.Info(h.deps.Logger).Log("msg", "session ended", "error", err)
	}
}
