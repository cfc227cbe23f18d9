package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/jackc/pgerrcode"
	"go.uber.org/zap"

	"github.com/mmeshcher/ledgerpad/internal/localstore"
	"github.com/mmeshcher/ledgerpad/internal/model"
)

const sessionKey = "auth.session"

// Client — HTTP-реализация Gateway поверх REST- и auth-путей бэкенда.
//
// Чтения идут через клиент с ограниченными транспортными повторами;
// мутации выполняются ровно одной попыткой — их повторы считает очередь
// офлайн-операций, и скрытые повторы транспорта исказили бы счётчик.
type Client struct {
	baseURL string
	apiKey  string
	read    *retryablehttp.Client
	write   *retryablehttp.Client
	stream  *http.Client
	store   *localstore.Store
	logger  *zap.Logger

	mu         sync.Mutex
	session    *model.Session
	nextAuthID int
	authSubs   map[int]func(model.AuthEvent)
}

// NewClient создаёт клиент бэкенда по указанному origin.
func NewClient(baseURL, apiKey string, store *localstore.Store, logger *zap.Logger) *Client {
	read := retryablehttp.NewClient()
	read.RetryMax = 2
	read.RetryWaitMin = 200 * time.Millisecond
	read.RetryWaitMax = 2 * time.Second
	read.Logger = nil
	read.HTTPClient.Timeout = 10 * time.Second

	write := retryablehttp.NewClient()
	write.RetryMax = 0
	write.Logger = nil
	write.HTTPClient.Timeout = 10 * time.Second

	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		read:     read,
		write:    write,
		stream:   &http.Client{},
		store:    store,
		logger:   logger,
		authSubs: make(map[int]func(model.AuthEvent)),
	}

	var session model.Session
	if store.Get(sessionKey, &session) && session.AccessToken != "" {
		c.session = &session
	}

	return c
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// FetchItems возвращает записи владельца, либо все записи при all=true.
func (c *Client) FetchItems(ctx context.Context, ownerID string, all bool) ([]model.Item, error) {
	u := c.baseURL + "/rest/v1/items?order=created_at.desc"
	if !all {
		u += "&user_id=eq." + url.QueryEscape(ownerID)
	}

	var items []model.Item
	if err := c.do(ctx, c.read, http.MethodGet, u, nil, &items); err != nil {
		return nil, fmt.Errorf("fetch items: %w", err)
	}
	return items, nil
}

// InsertItem создаёт запись и возвращает строку с серверным идентификатором.
func (c *Client) InsertItem(ctx context.Context, item model.Item) (*model.Item, error) {
	var created model.Item
	err := c.do(ctx, c.write, http.MethodPost, c.baseURL+"/rest/v1/items", item, &created)
	if err != nil {
		return nil, fmt.Errorf("insert item: %w", err)
	}
	return &created, nil
}

// UpdateItem применяет частичное изменение к записи по идентификатору.
func (c *Client) UpdateItem(ctx context.Context, id string, patch model.ItemPatch) (*model.Item, error) {
	u := c.baseURL + "/rest/v1/items?id=eq." + url.QueryEscape(id)

	var updated model.Item
	if err := c.do(ctx, c.write, http.MethodPatch, u, patch, &updated); err != nil {
		return nil, fmt.Errorf("update item %s: %w", id, err)
	}
	return &updated, nil
}

// DeleteItem удаляет запись по идентификатору.
func (c *Client) DeleteItem(ctx context.Context, id string) error {
	u := c.baseURL + "/rest/v1/items?id=eq." + url.QueryEscape(id)

	if err := c.do(ctx, c.write, http.MethodDelete, u, nil, nil); err != nil {
		return fmt.Errorf("delete item %s: %w", id, err)
	}
	return nil
}

type roleRow struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// CheckAuthorization выполняет вторичную проверку прав администратора.
// Отсутствие таблицы ролей транслируется в ErrSchemaNotProvisioned.
// Запрос идёт одной попыткой: политику единственного повтора реализует
// вызывающая сторона, скрытые повторы транспорта исказили бы её.
func (c *Client) CheckAuthorization(ctx context.Context, userID string) (bool, error) {
	u := c.baseURL + "/rest/v1/user_roles?user_id=eq." + url.QueryEscape(userID)

	var rows []roleRow
	if err := c.do(ctx, c.write, http.MethodGet, u, nil, &rows); err != nil {
		return false, fmt.Errorf("check authorization: %w", err)
	}

	for _, row := range rows {
		if row.Role == "admin" {
			return true, nil
		}
	}
	return false, nil
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SignIn выполняет вход по паролю, сохраняет сессию и оповещает подписчиков.
func (c *Client) SignIn(ctx context.Context, email, password string) (*model.Session, error) {
	var session model.Session
	u := c.baseURL + "/auth/v1/token?grant_type=password"
	if err := c.do(ctx, c.write, http.MethodPost, u, credentials{Email: email, Password: password}, &session); err != nil {
		return nil, fmt.Errorf("sign in: %w", err)
	}

	if err := c.setSession(&session); err != nil {
		return nil, err
	}
	c.emitAuth(model.AuthEvent{Type: model.AuthSignedIn, Session: &session})
	return &session, nil
}

// SignUp регистрирует пользователя, сохраняет сессию и оповещает подписчиков.
func (c *Client) SignUp(ctx context.Context, email, password string) (*model.Session, error) {
	var session model.Session
	u := c.baseURL + "/auth/v1/signup"
	if err := c.do(ctx, c.write, http.MethodPost, u, credentials{Email: email, Password: password}, &session); err != nil {
		return nil, fmt.Errorf("sign up: %w", err)
	}

	if err := c.setSession(&session); err != nil {
		return nil, err
	}
	c.emitAuth(model.AuthEvent{Type: model.AuthSignedIn, Session: &session})
	return &session, nil
}

// SignOut завершает сессию на бэкенде и локально. Остатки учётных данных
// вычищаются даже если сам запрос завершился ошибкой.
func (c *Client) SignOut(ctx context.Context) error {
	reqErr := c.do(ctx, c.write, http.MethodPost, c.baseURL+"/auth/v1/logout", nil, nil)

	c.mu.Lock()
	c.session = nil
	c.mu.Unlock()

	if err := c.store.DeleteByPrefix("auth."); err != nil {
		return fmt.Errorf("purge credentials: %w", err)
	}

	c.emitAuth(model.AuthEvent{Type: model.AuthSignedOut})

	if reqErr != nil {
		return fmt.Errorf("sign out: %w", reqErr)
	}
	return nil
}

// SubscribeAuth регистрирует подписчика потока событий сессии.
// Сразу после регистрации эмитится INITIAL_SESSION из сохранённых
// учётных данных; потребитель обязан идемпотентно переживать повторную
// доставку этого события.
func (c *Client) SubscribeAuth(onEvent func(model.AuthEvent)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextAuthID
	c.nextAuthID++
	c.authSubs[id] = onEvent
	session := c.session
	c.mu.Unlock()

	onEvent(model.AuthEvent{Type: model.AuthInitialSession, Session: session})

	return func() {
		c.mu.Lock()
		delete(c.authSubs, id)
		c.mu.Unlock()
	}
}

// Session возвращает текущую сессию клиента, если она есть.
func (c *Client) Session() *model.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Client) setSession(session *model.Session) error {
	c.mu.Lock()
	c.session = session
	c.mu.Unlock()

	if err := c.store.Set(sessionKey, session); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	return nil
}

func (c *Client) emitAuth(ev model.AuthEvent) {
	c.mu.Lock()
	subs := make([]func(model.AuthEvent), 0, len(c.authSubs))
	for _, fn := range c.authSubs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	for _, fn := range subs {
		fn(ev)
	}
}

// do выполняет один запрос к бэкенду и декодирует результат в out.
func (c *Client) do(ctx context.Context, hc *retryablehttp.Client, method, rawURL string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("apikey", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method == http.MethodPost && strings.Contains(rawURL, "/rest/") {
		req.Header.Set("Prefer", "return=representation")
	}
	if s := c.Session(); s != nil {
		req.Header.Set("Authorization", "Bearer "+s.AccessToken)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return c.classifyError(resp)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// classifyError разбирает тело ошибки бэкенда. Коды SQLSTATE в теле
// позволяют отличить непроведённую схему от прочих отказов.
func (c *Client) classifyError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var apiErr apiError
	_ = json.Unmarshal(raw, &apiErr)

	if apiErr.Code == pgerrcode.UndefinedTable {
		return ErrSchemaNotProvisioned
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		if apiErr.Message != "" {
			return fmt.Errorf("%w: %s", ErrUnauthorized, apiErr.Message)
		}
		return ErrUnauthorized
	case resp.StatusCode < http.StatusInternalServerError:
		if apiErr.Message != "" {
			return fmt.Errorf("%w: %s", ErrRejected, apiErr.Message)
		}
		return fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	default:
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
}
