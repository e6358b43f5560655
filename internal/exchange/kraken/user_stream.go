package kraken

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"venue-connector/internal/exchange"
)

// UserStream subscribes to ownTrades and openOrders and delivers translated
// events until ctx ends or the connection fails. Translation failures are
// delivered as events with Err set; connection failures go to the error channel
// and close the event channel.
func (c *Client) UserStream(ctx context.Context) (<-chan exchange.Event, <-chan error, error) {
	if c.wsURL == "" {
		return nil, nil, errors.New("ws url required")
	}
	token, err := c.WebSocketsToken(ctx)
	if err != nil {
		return nil, nil, err
	}
	conn, _, err := c.dialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return nil, nil, err
	}
	for i, name := range []string{exchange.ChannelOwnTrades, exchange.ChannelOpenOrders} {
		if err := subscribe(ctx, conn, int64(i+1), name, token); err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
	}

	events := make(chan exchange.Event)
	errCh := make(chan error, 4)
	done := make(chan struct{})

	reportErr := func(err error) {
		if err == nil {
			return
		}
		select {
		case errCh <- err:
		default:
		}
	}

	readTimeout := 45 * time.Second
	if c.pingInterval > 0 {
		readTimeout = c.pingInterval * 3
		if readTimeout < 30*time.Second {
			readTimeout = 30 * time.Second
		}
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	go func() {
		defer close(done)
		defer close(events)
		defer conn.Close()

		for {
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
			_, data, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() == nil {
					reportErr(err)
				}
				return
			}
			if len(data) == 0 {
				continue
			}
			if ev, ok := parseWSEvent(data); ok {
				if ev.Event == "subscriptionStatus" && ev.Status == "error" {
					reportErr(fmt.Errorf("kraken ws subscription error: %s", ev.ErrorMessage))
					return
				}
				continue
			}
			event, ok := c.decodeChannelMessage(data)
			if !ok {
				continue
			}
			select {
			case events <- event:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		var tick <-chan time.Time
		if c.pingInterval > 0 {
			ticker := time.NewTicker(c.pingInterval)
			defer ticker.Stop()
			tick = ticker.C
		}
		for {
			select {
			case <-tick:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					reportErr(err)
					_ = conn.Close()
					return
				}
			case <-done:
				return
			case <-ctx.Done():
				_ = conn.Close()
				return
			}
		}
	}()

	return events, errCh, nil
}

// decodeChannelMessage demultiplexes an array frame [payload, channelName, {sequence}]
// by the channel name in the second to last position.
func (c *Client) decodeChannelMessage(data []byte) (exchange.Event, bool) {
	if data[0] != '[' {
		return exchange.Event{}, false
	}
	var frame []json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil {
		return exchange.Event{Err: fmt.Errorf("decode frame: %w", err)}, true
	}
	if len(frame) < 2 {
		return exchange.Event{Err: errors.New("short channel frame")}, true
	}
	var channel string
	if err := json.Unmarshal(frame[len(frame)-2], &channel); err != nil {
		return exchange.Event{Err: fmt.Errorf("decode channel name: %w", err)}, true
	}
	event := exchange.Event{Channel: channel}
	var seq wsSequence
	if err := json.Unmarshal(frame[len(frame)-1], &seq); err == nil {
		event.Sequence = seq.Sequence
	}
	now := time.Now().UTC()
	switch channel {
	case exchange.ChannelOwnTrades:
		var batches []map[string]tradeInfo
		if err := json.Unmarshal(frame[0], &batches); err != nil {
			event.Err = fmt.Errorf("decode ownTrades: %w", err)
			return event, true
		}
		for _, batch := range batches {
			for tradeID, info := range batch {
				fill, err := c.pairs.fill(tradeID, info)
				if err != nil {
					event.Err = errors.Join(event.Err, err)
					continue
				}
				event.Fills = append(event.Fills, fill)
			}
		}
	case exchange.ChannelOpenOrders:
		var batches []map[string]orderInfo
		if err := json.Unmarshal(frame[0], &batches); err != nil {
			event.Err = fmt.Errorf("decode openOrders: %w", err)
			return event, true
		}
		for _, batch := range batches {
			for txid, info := range batch {
				event.Updates = append(event.Updates, orderUpdate(txid, info, now))
			}
		}
	default:
		return exchange.Event{}, false
	}
	return event, true
}
