// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package telegram implements connector.Platform for the Telegram Bot
// API: long-polling getUpdates for inbound messages and attachments,
// sendMessage/sendPhoto/sendVideo/sendDocument/sendAudio for outbound.
// The outbound JSON-over-HTTP shape is grounded on the teacher repo's
// Discord webhook notifier; Telegram has no webhook-list equivalent of
// list_channels(), so ListChannels returns the chats this bot has
// observed inbound traffic from.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/agent-forge/agentforge/internal/connector"
	"github.com/agent-forge/agentforge/internal/core"
)

func init() {
	connector.Register("telegram", newPlatform)
}

const apiBase = "https://api.telegram.org/bot"

// Platform is a single Telegram bot instance.
type Platform struct {
	id         string
	token      string
	httpClient *http.Client
	logger     *slog.Logger

	inbound chan core.InboundMessage

	mu         sync.Mutex
	seenChats  map[string]string // chat id -> display name, observed from inbound traffic
	lastOffset int64

	cancel context.CancelFunc
	done   chan struct{}
}

func newPlatform(inst core.ConnectorInstance, creds connector.Credentials, settings map[string]string) (connector.Platform, error) {
	token, ok := creds["bot_token"]
	if !ok {
		return nil, fmt.Errorf("telegram: connector %q has no bot_token credential", inst.ID)
	}
	return &Platform{
		id:         inst.ID,
		token:      token.String(),
		httpClient: &http.Client{Timeout: 65 * time.Second}, // exceeds the 55s long-poll below
		logger:     slog.Default().With("connector_id", inst.ID, "type", "telegram"),
		inbound:    make(chan core.InboundMessage, 64),
		seenChats:  make(map[string]string),
	}, nil
}

func (p *Platform) ID() string { return p.id }

func (p *Platform) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.pollLoop(runCtx)
	return nil
}

func (p *Platform) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}
	select {
	case <-p.done:
	case <-ctx.Done():
	}
	close(p.inbound)
	return nil
}

func (p *Platform) Inbound() <-chan core.InboundMessage { return p.inbound }

func (p *Platform) pollLoop(ctx context.Context) {
	defer close(p.done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		updates, err := p.getUpdates(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("getUpdates failed, backing off", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
			continue
		}
		for _, u := range updates {
			p.handleUpdate(ctx, u)
		}
	}
}

type update struct {
	UpdateID      int64          `json:"update_id"`
	Message       *tgMessage     `json:"message"`
	CallbackQuery *tgCallback    `json:"callback_query"`
}

type tgMessage struct {
	MessageID int64  `json:"message_id"`
	Text      string `json:"text"`
	Chat      tgChat `json:"chat"`
	From      tgUser `json:"from"`
	Photo     []tgPhotoSize `json:"photo"`
	Document  *tgDocument   `json:"document"`
}

type tgChat struct {
	ID        int64  `json:"id"`
	Title     string `json:"title"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
}

type tgUser struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

type tgPhotoSize struct {
	FileID string `json:"file_id"`
}

type tgDocument struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name"`
}

type tgCallback struct {
	ID      string     `json:"id"`
	Data    string     `json:"data"`
	Message *tgMessage `json:"message"`
}

type updatesResponse struct {
	OK     bool     `json:"ok"`
	Result []update `json:"result"`
}

func (p *Platform) getUpdates(ctx context.Context) ([]update, error) {
	p.mu.Lock()
	offset := p.lastOffset
	p.mu.Unlock()

	values := url.Values{}
	values.Set("timeout", "55")
	values.Set("offset", strconv.FormatInt(offset, 10))

	var out updatesResponse
	if err := p.call(ctx, "getUpdates", values, &out); err != nil {
		return nil, err
	}
	if len(out.Result) > 0 {
		p.mu.Lock()
		p.lastOffset = out.Result[len(out.Result)-1].UpdateID + 1
		p.mu.Unlock()
	}
	return out.Result, nil
}

func (p *Platform) handleUpdate(ctx context.Context, u update) {
	if u.CallbackQuery != nil {
		p.rememberChat(u.CallbackQuery.Message)
		p.inbound <- core.InboundMessage{
			ConnectorID:    p.id,
			ChannelID:      chatID(u.CallbackQuery.Message.Chat),
			SenderID:       strconv.FormatInt(u.CallbackQuery.Message.Chat.ID, 10),
			ButtonCallback: u.CallbackQuery.Data,
		}
		p.answerCallback(ctx, u.CallbackQuery.ID)
		return
	}
	if u.Message == nil {
		return
	}
	p.rememberChat(u.Message)

	media := p.downloadAttachments(ctx, u.Message)
	p.inbound <- core.InboundMessage{
		ConnectorID: p.id,
		ChannelID:   chatID(u.Message.Chat),
		SenderID:    strconv.FormatInt(u.Message.From.ID, 10),
		SenderName:  u.Message.From.Username,
		Text:        u.Message.Text,
		MediaPaths:  media,
	}
}

func (p *Platform) rememberChat(msg *tgMessage) {
	if msg == nil {
		return
	}
	name := msg.Chat.Title
	if name == "" {
		name = msg.Chat.Username
	}
	if name == "" {
		name = msg.Chat.FirstName
	}
	p.mu.Lock()
	p.seenChats[chatID(msg.Chat)] = name
	p.mu.Unlock()
}

func chatID(c tgChat) string { return strconv.FormatInt(c.ID, 10) }

func (p *Platform) downloadAttachments(ctx context.Context, msg *tgMessage) []string {
	var fileIDs []string
	if len(msg.Photo) > 0 {
		fileIDs = append(fileIDs, msg.Photo[len(msg.Photo)-1].FileID) // largest size is last
	}
	if msg.Document != nil {
		fileIDs = append(fileIDs, msg.Document.FileID)
	}

	var paths []string
	for _, fileID := range fileIDs {
		path, err := p.downloadFile(ctx, fileID)
		if err != nil {
			p.logger.Warn("attachment download failed", "file_id", fileID, "error", err)
			continue
		}
		paths = append(paths, path)
	}
	return paths
}

type getFileResponse struct {
	OK     bool `json:"ok"`
	Result struct {
		FilePath string `json:"file_path"`
	} `json:"result"`
}

func (p *Platform) downloadFile(ctx context.Context, fileID string) (string, error) {
	values := url.Values{}
	values.Set("file_id", fileID)
	var meta getFileResponse
	if err := p.call(ctx, "getFile", values, &meta); err != nil {
		return "", err
	}

	fileURL := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", p.token, meta.Result.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	tmp, err := os.CreateTemp("", "telegram-attachment-*"+filepath.Ext(meta.Result.FilePath))
	if err != nil {
		return "", err
	}
	defer tmp.Close()
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		return "", err
	}
	return tmp.Name(), nil
}

func (p *Platform) answerCallback(ctx context.Context, callbackID string) {
	values := url.Values{}
	values.Set("callback_query_id", callbackID)
	var discard map[string]any
	if err := p.call(ctx, "answerCallbackQuery", values, &discard); err != nil {
		p.logger.Warn("answerCallbackQuery failed", "error", err)
	}
}

type inlineKeyboard struct {
	InlineKeyboard [][]inlineButton `json:"inline_keyboard"`
}

type inlineButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

func (p *Platform) SendText(ctx context.Context, channelID, text string, buttons []core.ActionButton) error {
	values := url.Values{}
	values.Set("chat_id", channelID)
	values.Set("text", text)
	if len(buttons) > 0 {
		row := make([]inlineButton, 0, len(buttons))
		for _, b := range buttons {
			row = append(row, inlineButton{Text: b.Label, CallbackData: b.CallbackID})
		}
		markup, err := json.Marshal(inlineKeyboard{InlineKeyboard: [][]inlineButton{row}})
		if err != nil {
			return fmt.Errorf("telegram: marshal reply markup: %w", err)
		}
		values.Set("reply_markup", string(markup))
	}

	var discard map[string]any
	return p.call(ctx, "sendMessage", values, &discard)
}

func (p *Platform) SendMedia(ctx context.Context, channelID, path, kind string) error {
	method, ok := map[string]string{
		"photo":    "sendPhoto",
		"video":    "sendVideo",
		"document": "sendDocument",
		"audio":    "sendAudio",
	}[kind]
	if !ok {
		return fmt.Errorf("telegram: unknown media kind %q", kind)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	if err := writer.WriteField("chat_id", channelID); err != nil {
		return err
	}
	part, err := writer.CreateFormFile(kind, filepath.Base(path))
	if err != nil {
		return err
	}
	if _, err := part.Write(data); err != nil {
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiBase+p.token+"/"+method, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("telegram %s: API %d: %s", method, resp.StatusCode, string(respBody))
	}
	return nil
}

func (p *Platform) ListChannels(ctx context.Context) ([]connector.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	channels := make([]connector.Channel, 0, len(p.seenChats))
	for id, name := range p.seenChats {
		channels = append(channels, connector.Channel{ID: id, Name: name, Kind: "chat"})
	}
	return channels, nil
}

type getChatResponse struct {
	OK bool `json:"ok"`
}

func (p *Platform) ValidateChannel(ctx context.Context, channelID string) (bool, error) {
	values := url.Values{}
	values.Set("chat_id", channelID)
	var out getChatResponse
	if err := p.call(ctx, "getChat", values, &out); err != nil {
		return false, nil
	}
	return out.OK, nil
}

// call invokes a Telegram Bot API method with form-encoded parameters
// and decodes the JSON response into out.
func (p *Platform) call(ctx context.Context, method string, values url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiBase+p.token+"/"+method,
		bytes.NewReader([]byte(values.Encode())))
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("telegram %s: read response: %w", method, err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("telegram %s: API %d: %s", method, resp.StatusCode, string(body))
	}
	return json.Unmarshal(body, out)
}
