// Package api is the typed client for the game server's REST API.
//
// Every character action returns a cooldown descriptor and, for most
// actions, an updated character snapshot. Failures are classified into
// Kind codes at this boundary so the rest of the agent never matches on
// raw server messages.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/mbd888/gridagent/internal/clock"
	"github.com/mbd888/gridagent/internal/retry"
)

const tracerName = "github.com/mbd888/gridagent/internal/api"

// DefaultTimeout bounds a single HTTP round trip.
const DefaultTimeout = 30 * time.Second

// maxRetries and backoff ladder for transient failures: 0.5/1/2/4s capped.
const (
	maxAttempts  = 4
	baseBackoff  = 500 * time.Millisecond
	maxBackoff   = 4 * time.Second
	maxPageSize  = 100
	maxPageLoops = 100
)

// Client talks to the game server.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *slog.Logger
	clock   clock.Clock
	sandbox bool
}

// Option configures the client.
type Option func(*Client)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithHTTPClient replaces the underlying HTTP client (for tests).
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithClock replaces the wall clock (for tests).
func WithClock(ck clock.Clock) Option {
	return func(c *Client) { c.clock = ck }
}

// WithSandbox marks the upstream as a sandbox instance, enabling the
// sandbox mutation endpoints.
func WithSandbox(on bool) Option {
	return func(c *Client) { c.sandbox = on }
}

// NewClient creates a client for the server at baseURL authenticating with token.
func NewClient(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: DefaultTimeout},
		logger:  slog.Default(),
		clock:   clock.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Sandbox reports whether the upstream is a sandbox instance.
func (c *Client) Sandbox() bool { return c.sandbox }

// -----------------------------------------------------------------------------
// Wire plumbing
// -----------------------------------------------------------------------------

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type page struct {
	Data  json.RawMessage `json:"data"`
	Total int             `json:"total"`
	Page  int             `json:"page"`
	Size  int             `json:"size"`
	Pages int             `json:"pages"`
}

// do performs one request with retry on transient failures. cooldown_active
// responses wait out the stated cooldown and retry the same action once.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, method+" "+path)
	defer span.End()
	span.SetAttributes(attribute.String("http.method", method))

	cooldownRetried := false
	err := retry.Do(ctx, maxAttempts, baseBackoff, maxBackoff, func() error {
		err := c.once(ctx, method, path, body, out)
		if err == nil {
			return nil
		}
		if IsKind(err, KindCooldownActive) && !cooldownRetried {
			// Wait out the stated cooldown, then retry the same action once.
			cooldownRetried = true
			if serr := c.clock.Sleep(ctx, cooldownWait(err)); serr != nil {
				return retry.Permanent(serr)
			}
			return err
		}
		if !Retryable(err) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// cooldownWait extracts the remaining seconds embedded in a cooldown_active
// message ("... 12.52 seconds left"), defaulting to one second.
func cooldownWait(err error) time.Duration {
	var ae *Error
	if !errors.As(err, &ae) {
		return time.Second
	}
	var secs float64
	if _, scanErr := fmt.Sscanf(lastNumber(ae.Message), "%f", &secs); scanErr == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	return time.Second
}

// lastNumber returns the last decimal-looking token of s.
func lastNumber(s string) string {
	end := -1
	for i := len(s) - 1; i >= 0; i-- {
		ch := s[i]
		isNum := (ch >= '0' && ch <= '9') || ch == '.'
		if isNum && end == -1 {
			end = i + 1
		}
		if !isNum && end != -1 {
			return s[i+1 : end]
		}
	}
	if end != -1 {
		return s[:end]
	}
	return ""
}

func (c *Client) once(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("api: encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("api: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return &Error{Kind: KindTimeout, Message: err.Error()}
		}
		return &Error{Kind: KindNetwork, Message: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return &Error{Kind: KindNetwork, Message: err.Error()}
	}

	var env envelope
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil && resp.StatusCode < 400 {
			return fmt.Errorf("api: decode response: %w", err)
		}
	}

	if resp.StatusCode >= 400 || env.Error != nil {
		code := 0
		message := http.StatusText(resp.StatusCode)
		if env.Error != nil {
			code = env.Error.Code
			message = env.Error.Message
		}
		return &Error{
			Kind:       classify(resp.StatusCode, code, message),
			StatusCode: resp.StatusCode,
			Code:       code,
			Message:    message,
		}
	}

	if out != nil && env.Data != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("api: decode data: %w", err)
		}
	}
	return nil
}

// doPage fetches one page of a list endpoint, returning the raw data slice
// and the total page count.
func (c *Client) doPage(ctx context.Context, path string, q url.Values, out any) (pages int, err error) {
	full := path
	if len(q) > 0 {
		full += "?" + q.Encode()
	}

	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "GET "+path)
	defer span.End()

	var pg page
	err = retry.Do(ctx, maxAttempts, baseBackoff, maxBackoff, func() error {
		err := c.oncePage(ctx, full, &pg)
		if err != nil && !Retryable(err) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	if out != nil && pg.Data != nil {
		if err := json.Unmarshal(pg.Data, out); err != nil {
			return 0, fmt.Errorf("api: decode page: %w", err)
		}
	}
	return pg.Pages, nil
}

func (c *Client) oncePage(ctx context.Context, path string, pg *page) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("api: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return &Error{Kind: KindTimeout, Message: err.Error()}
		}
		return &Error{Kind: KindNetwork, Message: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return &Error{Kind: KindNetwork, Message: err.Error()}
	}

	if resp.StatusCode >= 400 {
		var env envelope
		_ = json.Unmarshal(raw, &env)
		code := 0
		message := http.StatusText(resp.StatusCode)
		if env.Error != nil {
			code = env.Error.Code
			message = env.Error.Message
		}
		return &Error{
			Kind:       classify(resp.StatusCode, code, message),
			StatusCode: resp.StatusCode,
			Code:       code,
			Message:    message,
		}
	}
	if err := json.Unmarshal(raw, pg); err != nil {
		return fmt.Errorf("api: decode page envelope: %w", err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Characters and account
// -----------------------------------------------------------------------------

// GetMyCharacters lists all characters on the account.
func (c *Client) GetMyCharacters(ctx context.Context) ([]Character, error) {
	var chars []Character
	if err := c.do(ctx, http.MethodGet, "/my/characters", nil, &chars); err != nil {
		return nil, err
	}
	return chars, nil
}

// GetCharacter fetches one character by name.
func (c *Client) GetCharacter(ctx context.Context, name string) (*Character, error) {
	var ch Character
	if err := c.do(ctx, http.MethodGet, "/characters/"+url.PathEscape(name), nil, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

// AccountDetails is the account slice the agent needs.
type AccountDetails struct {
	Username string `json:"username"`
	Member   bool   `json:"member"`
}

// GetMyDetails fetches the account details.
func (c *Client) GetMyDetails(ctx context.Context) (*AccountDetails, error) {
	var acc AccountDetails
	if err := c.do(ctx, http.MethodGet, "/my/details", nil, &acc); err != nil {
		return nil, err
	}
	return &acc, nil
}

// GetAchievements lists achievement definitions.
func (c *Client) GetAchievements(ctx context.Context, f PageFilter) ([]Achievement, int, error) {
	q := pageQuery(f)
	var out []Achievement
	pages, err := c.doPage(ctx, "/achievements", q, &out)
	return out, pages, err
}

// GetAccountAchievements lists an account's achievement progress.
func (c *Client) GetAccountAchievements(ctx context.Context, account string, f PageFilter) ([]Achievement, int, error) {
	q := pageQuery(f)
	var out []Achievement
	pages, err := c.doPage(ctx, "/accounts/"+url.PathEscape(account)+"/achievements", q, &out)
	return out, pages, err
}

// -----------------------------------------------------------------------------
// World data
// -----------------------------------------------------------------------------

// GetMaps queries map tiles matching the filter.
func (c *Client) GetMaps(ctx context.Context, f MapsFilter) ([]MapTile, int, error) {
	q := url.Values{}
	if f.ContentType != "" {
		q.Set("content_type", f.ContentType)
	}
	if f.ContentCode != "" {
		q.Set("content_code", f.ContentCode)
	}
	if f.Page > 0 {
		q.Set("page", strconv.Itoa(f.Page))
	}
	if f.Size > 0 {
		q.Set("size", strconv.Itoa(f.Size))
	}
	var out []MapTile
	pages, err := c.doPage(ctx, "/maps", q, &out)
	return out, pages, err
}

// GetMonster fetches one monster description.
func (c *Client) GetMonster(ctx context.Context, code string) (*Monster, error) {
	var m Monster
	if err := c.do(ctx, http.MethodGet, "/monsters/"+url.PathEscape(code), nil, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// GetResource fetches one resource description.
func (c *Client) GetResource(ctx context.Context, code string) (*Resource, error) {
	var r Resource
	if err := c.do(ctx, http.MethodGet, "/resources/"+url.PathEscape(code), nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// GetItem fetches one item description, including its craft recipe.
func (c *Client) GetItem(ctx context.Context, code string) (*Item, error) {
	var item Item
	if err := c.do(ctx, http.MethodGet, "/items/"+url.PathEscape(code), nil, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// GetActiveEvents lists events currently live on the map.
func (c *Client) GetActiveEvents(ctx context.Context) ([]ActiveEvent, error) {
	var out []ActiveEvent
	if _, err := c.doPage(ctx, "/events/active", url.Values{"size": {"100"}}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetGrandExchangeItem fetches the exchange listing for an item, or a
// not_found error if the item is not exchangeable.
func (c *Client) GetGrandExchangeItem(ctx context.Context, code string) (*GEItem, error) {
	var ge GEItem
	if err := c.do(ctx, http.MethodGet, "/grandexchange/items/"+url.PathEscape(code), nil, &ge); err != nil {
		return nil, err
	}
	return &ge, nil
}

// -----------------------------------------------------------------------------
// Character actions
// -----------------------------------------------------------------------------

func (c *Client) action(ctx context.Context, name, action string, body any) (*ActionResult, error) {
	var res ActionResult
	path := "/my/" + url.PathEscape(name) + "/action/" + action
	if err := c.do(ctx, http.MethodPost, path, body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Move walks the character to (x, y).
func (c *Client) Move(ctx context.Context, name string, x, y int) (*ActionResult, error) {
	return c.action(ctx, name, "move", map[string]int{"x": x, "y": y})
}

// Fight attacks the monster on the current tile.
func (c *Client) Fight(ctx context.Context, name string) (*ActionResult, error) {
	return c.action(ctx, name, "fight", nil)
}

// Gather harvests the resource on the current tile.
func (c *Client) Gather(ctx context.Context, name string) (*ActionResult, error) {
	return c.action(ctx, name, "gathering", nil)
}

// Craft crafts qty of the recipe at the current workshop.
func (c *Client) Craft(ctx context.Context, name, code string, qty int) (*ActionResult, error) {
	return c.action(ctx, name, "crafting", map[string]any{"code": code, "quantity": qty})
}

// UseItem consumes qty of a usable item (potions, teleports, food).
func (c *Client) UseItem(ctx context.Context, name, code string, qty int) (*ActionResult, error) {
	return c.action(ctx, name, "use", map[string]any{"code": code, "quantity": qty})
}

// Recycle breaks down qty of an item at the matching workshop.
func (c *Client) Recycle(ctx context.Context, name, code string, qty int) (*ActionResult, error) {
	return c.action(ctx, name, "recycling", map[string]any{"code": code, "quantity": qty})
}

// Equip equips an item into a slot.
func (c *Client) Equip(ctx context.Context, name, code, slot string) (*ActionResult, error) {
	return c.action(ctx, name, "equip", map[string]any{"code": code, "slot": slot})
}

// Unequip removes whatever is in a slot.
func (c *Client) Unequip(ctx context.Context, name, slot string) (*ActionResult, error) {
	return c.action(ctx, name, "unequip", map[string]any{"slot": slot})
}

// Rest recovers HP until the next cooldown.
func (c *Client) Rest(ctx context.Context, name string) (*ActionResult, error) {
	return c.action(ctx, name, "rest", nil)
}

// CompleteTask turns in the character's finished task at the tasks master.
func (c *Client) CompleteTask(ctx context.Context, name string) (*ActionResult, error) {
	return c.action(ctx, name, "task/complete", nil)
}

// AcceptTask takes a new task from the tasks master.
func (c *Client) AcceptTask(ctx context.Context, name string) (*ActionResult, error) {
	return c.action(ctx, name, "task/new", nil)
}

// SellGrandExchange lists qty of an item for sale at price each.
func (c *Client) SellGrandExchange(ctx context.Context, name, code string, qty, price int) (*ActionResult, error) {
	return c.action(ctx, name, "grandexchange/sell", map[string]any{
		"code": code, "quantity": qty, "price": price,
	})
}

// -----------------------------------------------------------------------------
// Bank
// -----------------------------------------------------------------------------

// GetBankDetails fetches gold, slot count, and next expansion cost.
func (c *Client) GetBankDetails(ctx context.Context) (*BankDetails, error) {
	var bd BankDetails
	if err := c.do(ctx, http.MethodGet, "/my/bank", nil, &bd); err != nil {
		return nil, err
	}
	return &bd, nil
}

// GetBankItems fetches one page of bank contents.
func (c *Client) GetBankItems(ctx context.Context, f PageFilter) ([]SimpleItem, int, error) {
	q := pageQuery(f)
	var out []SimpleItem
	pages, err := c.doPage(ctx, "/my/bank/items", q, &out)
	return out, pages, err
}

// DepositBank deposits items into the bank. The character must stand on a
// bank tile.
func (c *Client) DepositBank(ctx context.Context, name string, items []SimpleItem) (*ActionResult, error) {
	return c.action(ctx, name, "bank/deposit/item", items)
}

// WithdrawBank withdraws items from the bank.
func (c *Client) WithdrawBank(ctx context.Context, name string, items []SimpleItem) (*ActionResult, error) {
	return c.action(ctx, name, "bank/withdraw/item", items)
}

// DepositGold deposits gold into the bank.
func (c *Client) DepositGold(ctx context.Context, name string, qty int) (*ActionResult, error) {
	return c.action(ctx, name, "bank/deposit/gold", map[string]int{"quantity": qty})
}

// WithdrawGold withdraws gold from the bank.
func (c *Client) WithdrawGold(ctx context.Context, name string, qty int) (*ActionResult, error) {
	return c.action(ctx, name, "bank/withdraw/gold", map[string]int{"quantity": qty})
}

// BuyBankExpansion buys one bank slot expansion.
func (c *Client) BuyBankExpansion(ctx context.Context, name string) (*ActionResult, error) {
	return c.action(ctx, name, "bank/buy_expansion", nil)
}

// -----------------------------------------------------------------------------
// Sandbox
// -----------------------------------------------------------------------------

// ErrNotSandbox is returned when a sandbox mutation is attempted against a
// production upstream.
var ErrNotSandbox = &Error{Kind: KindUnknown, Message: "upstream is not a sandbox instance"}

// SandboxCommand issues a sandbox-only mutation (give_gold, give_item,
// give_xp, spawn_event, reset_account).
func (c *Client) SandboxCommand(ctx context.Context, command string, body any) error {
	if !c.sandbox {
		return ErrNotSandbox
	}
	return c.do(ctx, http.MethodPost, "/sandbox/"+url.PathEscape(command), body, nil)
}

func pageQuery(f PageFilter) url.Values {
	q := url.Values{}
	if f.Page > 0 {
		q.Set("page", strconv.Itoa(f.Page))
	}
	if f.Size > 0 {
		q.Set("size", strconv.Itoa(f.Size))
	}
	return q
}
