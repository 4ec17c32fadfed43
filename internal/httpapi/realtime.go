package httpapi

import (
	"net/http"

	"qms/orchestrator/internal/hub"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
	"go.uber.org/zap"
)

// RealtimeHandler serves SockJS observers. A client watches the location in
// its location_id query parameter, or every location when absent, and can
// switch with {"action":"subscribe","location_id":"..."}.
func RealtimeHandler(prefix string, h *hub.Hub, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return sockjs.NewHandler(prefix, sockjs.DefaultOptions, func(session sockjs.Session) {
		client := &hub.Client{
			ID:           uuid.NewString(),
			Send:         make(chan []byte, 16),
			Subscription: hub.Subscription{LocationID: session.Request().URL.Query().Get("location_id")},
		}
		h.Register(client)
		defer h.Unregister(client)
		logger.Debug("realtime client connected", zap.String("client_id", client.ID))

		go func() {
			for msg := range client.Send {
				if err := session.Send(string(msg)); err != nil {
					return
				}
			}
		}()

		for {
			msg, err := session.Recv()
			if err != nil {
				return
			}
			parsed, ok := hub.ParseSubscribe([]byte(msg))
			if !ok {
				continue
			}
			if parsed.Action == "unsubscribe" {
				h.UpdateSubscription(client, hub.Subscription{})
				continue
			}
			h.UpdateSubscription(client, hub.Subscription{LocationID: parsed.LocationID})
		}
	})
}
