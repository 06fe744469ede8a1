package guarantee

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/alanyoungcy/tabsettle/internal/crypto"
	"github.com/alanyoungcy/tabsettle/internal/domain"
)

// HTTPClient is the REST adapter for a remote guarantee service. Requests
// carry HMAC API headers; guarantee and payment bodies also carry the
// trader's typed-data signature.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	auth       crypto.APIAuth
	keys       *Keyring
	trader     *domain.Trader
	nonce      func() uint64
}

// NewHTTPClient creates a client for baseURL. trader is nil for the
// recipient handle.
func NewHTTPClient(baseURL string, timeout time.Duration, auth crypto.APIAuth, keys *Keyring, trader *domain.Trader) *HTTPClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		auth:       auth,
		keys:       keys,
		trader:     trader,
		nonce:      func() uint64 { return uint64(time.Now().UnixNano()) },
	}
}

type collateralResponse struct {
	Deposited int64     `json:"deposited"`
	Available int64     `json:"available"`
	Locked    int64     `json:"locked"`
	UpdatedAt time.Time `json:"updated_at"`
}

type guaranteeBody struct {
	Trader        string `json:"trader"`
	Recipient     string `json:"recipient"`
	Amount        int64  `json:"amount"`
	Asset         string `json:"asset"`
	WindowSeconds int64  `json:"window_seconds"`
	Nonce         uint64 `json:"nonce"`
	Signature     string `json:"signature"`
}

type payBody struct {
	ReqID     uint64 `json:"req_id"`
	Amount    int64  `json:"amount"`
	Recipient string `json:"recipient"`
	Asset     string `json:"asset"`
	Signature string `json:"signature"`
}

type remunerateBody struct {
	Certificate domain.Guarantee `json:"certificate"`
	ReqID       uint64           `json:"req_id"`
	Amount      int64            `json:"amount"`
	Recipient   string           `json:"recipient"`
	Asset       string           `json:"asset"`
}

// CollateralStatus implements domain.GuaranteeClient.
func (c *HTTPClient) CollateralStatus(ctx context.Context, trader domain.Trader) (domain.Collateral, error) {
	var out collateralResponse
	if err := c.do(ctx, http.MethodGet, "/v1/collateral/"+url.PathEscape(trader.Address), nil, &out); err != nil {
		return domain.Collateral{}, fmt.Errorf("guarantee/http: collateral %s: %w", trader.ID, err)
	}
	return domain.Collateral(out), nil
}

// IssuePaymentGuarantee implements domain.GuaranteeClient.
func (c *HTTPClient) IssuePaymentGuarantee(ctx context.Context, req domain.GuaranteeRequest) (domain.Guarantee, error) {
	signer, err := c.keys.Signer(req.SigningKeyRef)
	if err != nil {
		return domain.Guarantee{}, err
	}
	auth := crypto.GuaranteeAuth{
		Trader:        req.Trader.Address,
		Recipient:     req.Recipient,
		Amount:        req.Amount,
		Asset:         req.Asset,
		WindowSeconds: req.WindowSeconds,
		Nonce:         c.nonce(),
	}
	sig, err := signer.SignGuarantee(auth)
	if err != nil {
		return domain.Guarantee{}, fmt.Errorf("guarantee/http: %w: %w", domain.ErrSigningFailed, err)
	}

	var g domain.Guarantee
	err = c.do(ctx, http.MethodPost, "/v1/guarantees", guaranteeBody{
		Trader:        auth.Trader,
		Recipient:     auth.Recipient,
		Amount:        auth.Amount,
		Asset:         auth.Asset,
		WindowSeconds: auth.WindowSeconds,
		Nonce:         auth.Nonce,
		Signature:     sig,
	}, &g)
	if err != nil {
		return domain.Guarantee{}, fmt.Errorf("guarantee/http: issue for %s: %w", req.Trader.ID, err)
	}
	return g, nil
}

// PayTab implements domain.GuaranteeClient.
func (c *HTTPClient) PayTab(ctx context.Context, req domain.PayTabRequest) (domain.SettlementReceipt, error) {
	if c.trader == nil {
		return domain.SettlementReceipt{}, fmt.Errorf("guarantee/http: pay tab from recipient handle: %w", domain.ErrUnauthorized)
	}
	signer, err := c.keys.SignerFor(c.trader.ID)
	if err != nil {
		return domain.SettlementReceipt{}, err
	}
	sig, err := signer.SignPayment(crypto.PaymentAuth{
		TabID:     req.TabID,
		ReqID:     req.ReqID,
		Amount:    req.Amount,
		Recipient: req.Recipient,
		Asset:     req.Asset,
	})
	if err != nil {
		return domain.SettlementReceipt{}, fmt.Errorf("guarantee/http: %w: %w", domain.ErrSigningFailed, err)
	}

	var r domain.SettlementReceipt
	err = c.do(ctx, http.MethodPost, "/v1/tabs/"+url.PathEscape(req.TabID)+"/pay", payBody{
		ReqID:     req.ReqID,
		Amount:    req.Amount,
		Recipient: req.Recipient,
		Asset:     req.Asset,
		Signature: sig,
	}, &r)
	if err != nil {
		return domain.SettlementReceipt{}, fmt.Errorf("guarantee/http: pay tab %s: %w", req.TabID, err)
	}
	return r, nil
}

// EnforceRemuneration implements domain.GuaranteeClient.
func (c *HTTPClient) EnforceRemuneration(ctx context.Context, cert domain.Guarantee, req domain.RemunerationRequirements) (domain.SettlementReceipt, error) {
	var r domain.SettlementReceipt
	err := c.do(ctx, http.MethodPost, "/v1/tabs/"+url.PathEscape(req.TabID)+"/remunerate", remunerateBody{
		Certificate: cert,
		ReqID:       req.ReqID,
		Amount:      req.Amount,
		Recipient:   req.Recipient,
		Asset:       req.Asset,
	}, &r)
	if err != nil {
		return domain.SettlementReceipt{}, fmt.Errorf("guarantee/http: remunerate tab %s: %w", req.TabID, err)
	}
	return r, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var (
		reader  io.Reader
		payload []byte
	)
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		payload = b
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	var address string
	if c.trader != nil {
		address = c.trader.Address
	}
	for k, v := range c.auth.Headers(address, method, path, string(payload)) {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// checkHTTPStatus maps non-2xx responses onto domain errors.
func checkHTTPStatus(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	msg := string(body)
	switch status {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, msg)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, msg)
	case http.StatusPaymentRequired:
		return fmt.Errorf("%w: %s", domain.ErrInsufficientCollateral, msg)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", domain.ErrDoubleSettlement, msg)
	default:
		return fmt.Errorf("guarantee service returned %d: %s", status, msg)
	}
}

var _ domain.GuaranteeClient = (*HTTPClient)(nil)
