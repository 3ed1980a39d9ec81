package fyers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	DefaultBaseURL   = "https://api-t1.fyers.in/api/v3"
	DefaultStreamURL = "wss://socket.fyers.in/trade/v3"
)

// APIError Fyers 返回的业务错误
type APIError struct {
	HTTPStatus int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("fyers api error (http %d, code %d): %s", e.HTTPStatus, e.Code, e.Message)
}

// FyersClient Fyers REST 客户端
type FyersClient struct {
	appID       string
	accessToken string
	baseURL     string
	httpClient  *http.Client
}

// NewFyersClient 创建 Fyers 客户端
func NewFyersClient(appID, accessToken, baseURL string) *FyersClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &FyersClient{
		appID:       appID,
		accessToken: accessToken,
		baseURL:     baseURL,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// authHeader Fyers 使用 "appId:accessToken" 作为 Authorization
func (c *FyersClient) authHeader() string {
	return c.appID + ":" + c.accessToken
}

// sendRequest 发送请求并检查 {"s":"ok"} 外壳
func (c *FyersClient) sendRequest(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request error: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request error: %w", err)
	}
	req.Header.Set("Authorization", c.authHeader())
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request error: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body error: %w", err)
	}

	var base struct {
		S       string `json:"s"`
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(respBody, &base); err != nil {
		return nil, fmt.Errorf("HTTP %d, 无法解析响应: %s", resp.StatusCode, string(respBody))
	}
	if resp.StatusCode != http.StatusOK || base.S != "ok" {
		return nil, &APIError{HTTPStatus: resp.StatusCode, Code: base.Code, Message: base.Message}
	}
	return respBody, nil
}

// GetProfile 查询用户信息（用于校验令牌）
func (c *FyersClient) GetProfile(ctx context.Context) error {
	_, err := c.sendRequest(ctx, http.MethodGet, "/profile", nil)
	return err
}

// PlaceOrderRequest 下单参数
type PlaceOrderRequest struct {
	Symbol       string  `json:"symbol"`
	Qty          int64   `json:"qty"`
	Type         int     `json:"type"` // 1 限价 2 市价 3 止损市价 4 止损限价
	Side         int     `json:"side"` // 1 买 -1 卖
	ProductType  string  `json:"productType"`
	LimitPrice   float64 `json:"limitPrice"`
	StopPrice    float64 `json:"stopPrice"`
	Validity     string  `json:"validity"`
	DisclosedQty int64   `json:"disclosedQty"`
	OfflineOrder bool    `json:"offlineOrder"`
	OrderTag     string  `json:"orderTag,omitempty"`
}

// PlaceOrder 下单，返回券商订单号
func (c *FyersClient) PlaceOrder(ctx context.Context, req *PlaceOrderRequest) (string, error) {
	body, err := c.sendRequest(ctx, http.MethodPost, "/orders/sync", req)
	if err != nil {
		return "", err
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("unmarshal place order response error: %w", err)
	}
	return resp.ID, nil
}

// CancelOrder 撤单
func (c *FyersClient) CancelOrder(ctx context.Context, orderID string) error {
	_, err := c.sendRequest(ctx, http.MethodDelete, "/orders/sync", map[string]string{"id": orderID})
	return err
}

// Order Fyers 订单（订单簿与推送共用）
type Order struct {
	ID          string  `json:"id"`
	Symbol      string  `json:"symbol"`
	Qty         int64   `json:"qty"`
	FilledQty   int64   `json:"filledQty"`
	Status      int     `json:"status"`
	Side        int     `json:"side"`
	Type        int     `json:"type"`
	LimitPrice  float64 `json:"limitPrice"`
	StopPrice   float64 `json:"stopPrice"`
	TradedPrice float64 `json:"tradedPrice"`
	OrderTag    string  `json:"orderTag"`
	Message     string  `json:"message"`
}

// GetOrders 查询当日订单簿
func (c *FyersClient) GetOrders(ctx context.Context) ([]Order, error) {
	body, err := c.sendRequest(ctx, http.MethodGet, "/orders", nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		OrderBook []Order `json:"orderBook"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal order book error: %w", err)
	}
	return resp.OrderBook, nil
}

// Position Fyers 净持仓
type Position struct {
	Symbol string  `json:"symbol"`
	NetQty int64   `json:"netQty"`
	NetAvg float64 `json:"netAvg"`
	LTP    float64 `json:"ltp"`
}

// GetPositions 查询净持仓
func (c *FyersClient) GetPositions(ctx context.Context) ([]Position, error) {
	body, err := c.sendRequest(ctx, http.MethodGet, "/positions", nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		NetPositions []Position `json:"netPositions"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal positions error: %w", err)
	}
	return resp.NetPositions, nil
}
