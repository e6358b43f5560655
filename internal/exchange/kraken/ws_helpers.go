package kraken

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

type wsSubscription struct {
	Name  string `json:"name"`
	Token string `json:"token,omitempty"`
}

type wsRequest struct {
	Event        string          `json:"event"`
	ReqID        int64           `json:"reqid,omitempty"`
	Subscription *wsSubscription `json:"subscription,omitempty"`
}

type wsEvent struct {
	Event        string          `json:"event"`
	ReqID        int64           `json:"reqid"`
	Status       string          `json:"status"`
	ErrorMessage string          `json:"errorMessage"`
	Subscription *wsSubscription `json:"subscription"`
}

type wsSequence struct {
	Sequence int64 `json:"sequence"`
}

func subscribe(ctx context.Context, conn *websocket.Conn, reqID int64, name, token string) error {
	req := wsRequest{
		Event:        "subscribe",
		ReqID:        reqID,
		Subscription: &wsSubscription{Name: name, Token: token},
	}
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	return waitForSubscription(ctx, conn, reqID, name)
}

func waitForSubscription(ctx context.Context, conn *websocket.Conn, reqID int64, name string) error {
	deadline := time.Now().Add(10 * time.Second)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		ev, ok := parseWSEvent(data)
		if !ok || ev.Event != "subscriptionStatus" || ev.ReqID != reqID {
			continue
		}
		if ev.Status != "subscribed" {
			return fmt.Errorf("kraken ws subscribe %s: %s %s", name, ev.Status, ev.ErrorMessage)
		}
		return nil
	}
}

// parseWSEvent decodes object frames (heartbeat, systemStatus, subscriptionStatus).
// Channel data arrives as arrays and is not an event.
func parseWSEvent(data []byte) (wsEvent, bool) {
	if len(data) == 0 || data[0] != '{' {
		return wsEvent{}, false
	}
	var ev wsEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return wsEvent{}, false
	}
	return ev, ev.Event != ""
}
