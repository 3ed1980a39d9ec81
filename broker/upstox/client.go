package upstox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultBaseURL  = "https://api.upstox.com/v2"
	DefaultOrderURL = "https://api-hft.upstox.com/v2"
)

// APIError Upstox 返回的错误
type APIError struct {
	HTTPStatus int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("upstox api error (http %d, %s): %s", e.HTTPStatus, e.Code, e.Message)
}

// UpstoxClient Upstox REST 客户端
type UpstoxClient struct {
	accessToken string
	baseURL     string
	orderURL    string
	httpClient  *http.Client
}

// NewUpstoxClient 创建 Upstox 客户端
func NewUpstoxClient(accessToken, baseURL, orderURL string) *UpstoxClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if orderURL == "" {
		orderURL = DefaultOrderURL
	}
	return &UpstoxClient{
		accessToken: accessToken,
		baseURL:     strings.TrimRight(baseURL, "/"),
		orderURL:    strings.TrimRight(orderURL, "/"),
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// do 发送请求并解出 data 字段
func (c *UpstoxClient) do(ctx context.Context, method, fullURL string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request error: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
	if err != nil {
		return fmt.Errorf("create request error: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request error: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body error: %w", err)
	}

	var envelope struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
		Errors []struct {
			ErrorCode string `json:"errorCode"`
			Message   string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("HTTP %d, 无法解析响应: %s", resp.StatusCode, string(respBody))
	}
	if resp.StatusCode != http.StatusOK || envelope.Status != "success" {
		apiErr := &APIError{HTTPStatus: resp.StatusCode, Message: string(respBody)}
		if len(envelope.Errors) > 0 {
			apiErr.Code = envelope.Errors[0].ErrorCode
			apiErr.Message = envelope.Errors[0].Message
		}
		return apiErr
	}
	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("unmarshal data error: %w", err)
		}
	}
	return nil
}

// GetProfile 查询用户信息（用于校验令牌）
func (c *UpstoxClient) GetProfile(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, c.baseURL+"/user/profile", nil, nil)
}

// PlaceOrderRequest 下单参数
type PlaceOrderRequest struct {
	Quantity          int64   `json:"quantity"`
	Product           string  `json:"product"`
	Validity          string  `json:"validity"`
	Price             float64 `json:"price"`
	Tag               string  `json:"tag,omitempty"`
	InstrumentToken   string  `json:"instrument_token"`
	OrderType         string  `json:"order_type"`
	TransactionType   string  `json:"transaction_type"`
	DisclosedQuantity int64   `json:"disclosed_quantity"`
	TriggerPrice      float64 `json:"trigger_price"`
	IsAMO             bool    `json:"is_amo"`
}

// PlaceOrder 下单，返回券商订单号
func (c *UpstoxClient) PlaceOrder(ctx context.Context, req *PlaceOrderRequest) (string, error) {
	var data struct {
		OrderID string `json:"order_id"`
	}
	if err := c.do(ctx, http.MethodPost, c.orderURL+"/order/place", req, &data); err != nil {
		return "", err
	}
	return data.OrderID, nil
}

// CancelOrder 撤单
func (c *UpstoxClient) CancelOrder(ctx context.Context, orderID string) error {
	return c.do(ctx, http.MethodDelete, c.orderURL+"/order/cancel?order_id="+url.QueryEscape(orderID), nil, nil)
}

// Order Upstox 订单（订单簿与推送共用）
type Order struct {
	OrderID         string  `json:"order_id"`
	Status          string  `json:"status"`
	StatusMessage   string  `json:"status_message"`
	Quantity        int64   `json:"quantity"`
	FilledQuantity  int64   `json:"filled_quantity"`
	AveragePrice    float64 `json:"average_price"`
	Tag             string  `json:"tag"`
	InstrumentToken string  `json:"instrument_token"`
	TradingSymbol   string  `json:"trading_symbol"`
	TransactionType string  `json:"transaction_type"`
	OrderType       string  `json:"order_type"`
}

// GetOrders 查询当日订单
func (c *UpstoxClient) GetOrders(ctx context.Context) ([]Order, error) {
	var orders []Order
	if err := c.do(ctx, http.MethodGet, c.baseURL+"/order/retrieve-all", nil, &orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// Position Upstox 日内持仓
type Position struct {
	InstrumentToken string  `json:"instrument_token"`
	TradingSymbol   string  `json:"trading_symbol"`
	Quantity        int64   `json:"quantity"`
	AveragePrice    float64 `json:"average_price"`
	LastPrice       float64 `json:"last_price"`
}

// GetPositions 查询日内持仓
func (c *UpstoxClient) GetPositions(ctx context.Context) ([]Position, error) {
	var positions []Position
	if err := c.do(ctx, http.MethodGet, c.baseURL+"/portfolio/short-term-positions", nil, &positions); err != nil {
		return nil, err
	}
	return positions, nil
}

// AuthorizePortfolioStream 获取组合推送的 wss 地址
func (c *UpstoxClient) AuthorizePortfolioStream(ctx context.Context) (string, error) {
	var data struct {
		AuthorizedRedirectURI string `json:"authorized_redirect_uri"`
	}
	endpoint := c.baseURL + "/feed/portfolio-stream-feed/authorize?update_types=" + url.QueryEscape("order,position")
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &data); err != nil {
		return "", err
	}
	if data.AuthorizedRedirectURI == "" {
		return "", fmt.Errorf("upstox 未返回推送地址")
	}
	return data.AuthorizedRedirectURI, nil
}
