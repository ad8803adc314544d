package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/newplayman/poloniex-phoenix/internal/metrics"
	"github.com/rs/zerolog/log"
)

const (
	DefaultPublicURL  = "https://poloniex.com/public"
	DefaultPrivateURL = "https://poloniex.com/tradingApi"
	DefaultTimeout    = 10 * time.Second
)

// DispatcherConfig 请求分发器配置
type DispatcherConfig struct {
	PublicURL  string
	PrivateURL string
	APIKey     string
	Secret     string
	Timeout    time.Duration
	ProxyURL   string     // 可选，http(s)/socks5 代理
	Numbers    NumberMode // JSON 数字解码方式
	Limiter    RateLimiter
	Retry      *RetryPolicy
	HTTPClient *http.Client // 设置后忽略 Timeout/ProxyURL
	Nonce      *Nonce
}

// Dispatcher 负责签名、限速、重试、解码与错误分类
type Dispatcher struct {
	publicURL  string
	privateURL string
	key        string
	secret     string
	http       *http.Client
	limiter    RateLimiter
	retry      RetryPolicy
	nonce      *Nonce
	numbers    NumberMode
}

// NewDispatcher 创建分发器，未设置的字段使用默认值
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	d := &Dispatcher{
		publicURL:  cfg.PublicURL,
		privateURL: cfg.PrivateURL,
		key:        cfg.APIKey,
		secret:     cfg.Secret,
		http:       cfg.HTTPClient,
		limiter:    cfg.Limiter,
		nonce:      cfg.Nonce,
		numbers:    cfg.Numbers,
	}
	if d.publicURL == "" {
		d.publicURL = DefaultPublicURL
	}
	if d.privateURL == "" {
		d.privateURL = DefaultPrivateURL
	}
	if d.http == nil {
		client, err := NewHTTPClient(cfg.Timeout, cfg.ProxyURL)
		if err != nil {
			return nil, err
		}
		d.http = client
	}
	if d.limiter == nil {
		d.limiter = NewWindowLimiter(time.Second, 6)
	}
	if cfg.Retry != nil {
		d.retry = *cfg.Retry
	} else {
		d.retry = DefaultRetryPolicy()
	}
	if d.nonce == nil {
		d.nonce = NewNonce(time.Now())
	}
	return d, nil
}

// NewHTTPClient 创建带超时和可选代理的 HTTP 客户端
func NewHTTPClient(timeout time.Duration, proxy string) (*http.Client, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if proxy != "" {
		u, err := url.Parse(proxy)
		if err != nil {
			return nil, &ConfigurationError{Reason: fmt.Sprintf("invalid proxy url %q: %v", proxy, err)}
		}
		transport.Proxy = http.ProxyURL(u)
	}
	return &http.Client{Timeout: timeout, Transport: transport}, nil
}

// HasCredentials 是否配置了 key/secret
func (d *Dispatcher) HasCredentials() bool { return d.key != "" && d.secret != "" }

// Nonce 返回分发器持有的 nonce 状态
func (d *Dispatcher) Nonce() *Nonce { return d.nonce }

// NumberMode 返回数字解码方式
func (d *Dispatcher) NumberMode() NumberMode { return d.numbers }

// Invoke 调用任意命令。args 不会被修改。
func (d *Dispatcher) Invoke(ctx context.Context, command string, args url.Values) (any, error) {
	spec, ok := lookupCommand(command)
	if !ok {
		return nil, &ConfigurationError{Command: command, Reason: "invalid command"}
	}
	if spec.private && !d.HasCredentials() {
		return nil, &ConfigurationError{Command: command, Reason: "api key and secret required"}
	}

	start := time.Now()
	policy := d.retry
	onRetry := policy.OnRetry
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		metrics.RecordRetry(command)
		if onRetry != nil {
			onRetry(attempt, delay, err)
		}
	}
	out, err := Retry(ctx, policy, func(ctx context.Context) (any, error) {
		return d.once(ctx, command, spec, args)
	})
	status := "ok"
	if err != nil {
		status = Classify(err).String()
		metrics.RecordError(status, "dispatcher")
	}
	metrics.RecordAPICall(command, status, time.Since(start))
	return out, err
}

func (d *Dispatcher) once(ctx context.Context, name string, spec commandSpec, args url.Values) (any, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	params := make(url.Values, len(args)+2)
	for k, v := range args {
		params[k] = append([]string(nil), v...)
	}
	params.Set("command", spec.wire)

	var (
		req *http.Request
		err error
	)
	if spec.private {
		params.Set("nonce", strconv.FormatInt(d.nonce.Next(), 10))
		body, sign := SignParams(params, d.secret)
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, d.privateURL, strings.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header = AuthHeaders(d.key, sign)
	} else {
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, d.publicURL+"?"+params.Encode(), nil)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
	}

	resp, err := d.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &TransientError{Command: name, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientError{Command: name, Err: fmt.Errorf("read body: %w", err)}
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, &TransientError{Command: name, Err: fmt.Errorf("status %d: %s", resp.StatusCode, truncate(body, 256))}
	}

	data, err := decodeJSON(body, d.numbers)
	if err != nil {
		log.Error().Err(err).Str("command", name).Int("status", resp.StatusCode).Bytes("body", body).Msg("invalid JSON response")
		return nil, &DecodeError{Command: name, Body: body, Err: err}
	}
	if err := d.checkError(name, data); err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, &ExchangeError{Command: name, Message: fmt.Sprintf("http status %d", resp.StatusCode)}
	}
	return data, nil
}

// checkError 处理 HTTP 200 下的 {"error": "..."} 响应
func (d *Dispatcher) checkError(name string, data any) error {
	obj, ok := data.(map[string]any)
	if !ok {
		return nil
	}
	raw, ok := obj["error"]
	if !ok || raw == nil {
		return nil
	}
	msg := fmt.Sprint(raw)

	if strings.Contains(msg, "Nonce must be greater") {
		expected, err := parseExpectedNonce(msg)
		if err != nil {
			log.Error().Err(err).Str("command", name).Str("message", msg).Msg("cannot parse expected nonce")
			return &ExchangeError{Command: name, Message: msg}
		}
		if d.nonce.Resync(expected) {
			metrics.RecordNonceResync()
			log.Warn().Str("command", name).Int64("nonce", expected).Msg("nonce resynchronized")
		}
		return &NonceDesyncError{Command: name, Expected: expected, Message: msg}
	}
	if strings.Contains(strings.ToLower(msg), "try again") {
		return &TransientError{Command: name, Err: errors.New(msg)}
	}
	return &ExchangeError{Command: name, Message: msg}
}

// parseExpectedNonce 解析 "Nonce must be greater than 123. You provided 100."
func parseExpectedNonce(msg string) (int64, error) {
	first := strings.SplitN(msg, ".", 2)[0]
	fields := strings.Fields(first)
	if len(fields) == 0 {
		return 0, fmt.Errorf("empty nonce message")
	}
	return strconv.ParseInt(fields[len(fields)-1], 10, 64)
}

// Ping 轻量公共调用，用于健康检查
func (d *Dispatcher) Ping(ctx context.Context) error {
	_, err := d.Invoke(ctx, CmdReturn24hVolume, nil)
	return err
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
