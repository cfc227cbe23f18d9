package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/mmeshcher/ledgerpad/internal/model"
)

// SubscribeChanges открывает поток построчных изменений записей.
//
// Поток — SSE: событие `subscribed` подтверждает подписку, события
// insert/update/delete несут JSON изменённой строки. Обрыв потока
// транслируется в статус CHANNEL_ERROR; отписка закрывает поток без
// статуса ошибки.
func (c *Client) SubscribeChanges(ctx context.Context, ownerID string, all bool, onEvent func(model.ChangeEvent), onStatus func(model.ChannelStatus)) (func(), error) {
	u := c.baseURL + "/realtime/v1/changes"
	if !all {
		u += "?user_id=eq." + url.QueryEscape(ownerID)
	}

	streamCtx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, u, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Accept", "text/event-stream")
	if s := c.Session(); s != nil {
		req.Header.Set("Authorization", "Bearer "+s.AccessToken)
	}

	resp, err := c.stream.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		cancel()
		return nil, c.classifyError(resp)
	}

	go c.readChanges(streamCtx, resp.Body, onEvent, onStatus)

	return cancel, nil
}

func (c *Client) readChanges(ctx context.Context, body io.ReadCloser, onEvent func(model.ChangeEvent), onStatus func(model.ChannelStatus)) {
	defer body.Close()

	var event, data string

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case line == "":
			c.dispatchChange(event, data, onEvent, onStatus)
			event, data = "", ""
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Warn("realtime stream broken", zap.Error(err))
	}

	if ctx.Err() != nil {
		onStatus(model.ChannelClosed)
		return
	}
	onStatus(model.ChannelError)
}

func (c *Client) dispatchChange(event, data string, onEvent func(model.ChangeEvent), onStatus func(model.ChannelStatus)) {
	switch event {
	case "subscribed":
		onStatus(model.ChannelSubscribed)
	case "insert", "update":
		var item model.Item
		if err := json.Unmarshal([]byte(data), &item); err != nil {
			c.logger.Warn("drop malformed change event", zap.String("event", event), zap.Error(err))
			return
		}
		kind := model.ChangeInsert
		if event == "update" {
			kind = model.ChangeUpdate
		}
		onEvent(model.ChangeEvent{Type: kind, Item: &item, ItemID: item.ID})
	case "delete":
		var payload struct {
			ItemID string `json:"item_id"`
		}
		if err := json.Unmarshal([]byte(data), &payload); err != nil {
			c.logger.Warn("drop malformed delete event", zap.Error(err))
			return
		}
		onEvent(model.ChangeEvent{Type: model.ChangeDelete, ItemID: payload.ItemID})
	}
}
