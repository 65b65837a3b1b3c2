package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/nptmarket/settlement-engine/internal/contract"
)

// HTTPGateway talks to a Stacks-style ledger node API.
type HTTPGateway struct {
	baseURL    string
	contractID string
	client     *http.Client
}

// NewHTTPGateway creates a gateway for the contract deployed at contractID.
func NewHTTPGateway(baseURL, contractID string, client *http.Client) *HTTPGateway {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPGateway{
		baseURL:    strings.TrimRight(baseURL, "/"),
		contractID: contractID,
		client:     client,
	}
}

type contractCall struct {
	Contract string   `json:"contract"`
	Function string   `json:"function"`
	Args     []string `json:"args"`
	Sender   string   `json:"sender,omitempty"`
}

func (g *HTTPGateway) SubmitTransaction(ctx context.Context, function string, args []string) (string, error) {
	body, err := json.Marshal(contractCall{
		Contract: g.contractID,
		Function: function,
		Args:     args,
		Sender:   SenderFrom(ctx),
	})
	if err != nil {
		return "", err
	}

	data, _, err := g.do(ctx, http.MethodPost, "/v1/contract-calls", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	txid := gjson.GetBytes(data, "txid").String()
	if txid == "" {
		return "", fmt.Errorf("%w: submit %s: no txid in response", ErrUnavailable, function)
	}
	return txid, nil
}

func (g *HTTPGateway) GetTransactionStatus(ctx context.Context, txRef string) (TxStatus, error) {
	data, code, err := g.do(ctx, http.MethodGet, "/extended/v1/tx/"+url.PathEscape(txRef), nil)
	if code == http.StatusNotFound {
		// Not yet indexed by the node.
		return TxStatus{Status: StatusPending}, nil
	}
	if err != nil {
		return TxStatus{}, err
	}

	res := gjson.ParseBytes(data)
	var at time.Time
	if iso := res.Get("burn_block_time_iso").String(); iso != "" {
		at, _ = time.Parse(time.RFC3339, iso)
	}

	switch s := res.Get("tx_status").String(); {
	case s == "success":
		return TxStatus{Status: StatusConfirmed, At: at}, nil
	case s == "pending":
		return TxStatus{Status: StatusPending}, nil
	case strings.HasPrefix(s, "abort_"), strings.HasPrefix(s, "dropped_"):
		return TxStatus{Status: StatusRejected, At: at}, nil
	default:
		return TxStatus{}, fmt.Errorf("%w: tx %s: unexpected status %q", ErrUnavailable, txRef, s)
	}
}

func (g *HTTPGateway) GetAccountBalance(ctx context.Context, account string) (int64, error) {
	data, _, err := g.do(ctx, http.MethodGet, "/extended/v1/address/"+url.PathEscape(account)+"/balances", nil)
	if err != nil {
		return 0, err
	}
	raw := gjson.GetBytes(data, "stx.balance")
	if !raw.Exists() {
		return 0, fmt.Errorf("%w: balance for %s: missing stx.balance", ErrUnavailable, account)
	}
	micro, err := strconv.ParseInt(raw.String(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: balance for %s: %v", ErrUnavailable, account, err)
	}
	return contract.FromMicro(micro), nil
}

func (g *HTTPGateway) do(ctx context.Context, method, path string, body io.Reader) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, body)
	if err != nil {
		return nil, 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %s %s: %v", ErrUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("%w: read %s: %v", ErrUnavailable, path, err)
	}
	if resp.StatusCode >= 300 {
		return data, resp.StatusCode, fmt.Errorf("%w: %s %s: status %d", ErrUnavailable, method, path, resp.StatusCode)
	}
	return data, resp.StatusCode, nil
}
