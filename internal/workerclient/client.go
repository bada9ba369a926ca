package workerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"econos/internal/authz"
	econoserrors "econos/internal/errors"
	"econos/internal/httpclient"
	"econos/internal/logging"
	"econos/internal/task"
)

// DefaultPaymentHeader is the header workers expect the escrow receipt
// in unless their manifest names another.
const DefaultPaymentHeader = "X-Payment"

const defaultMaxResponseBytes = 4 << 20 // 4 MiB

// WeiAmount decodes a wei quantity from either a JSON string or an
// integer number.
type WeiAmount struct {
	big.Int
}

func (w *WeiAmount) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if s == "" || s == "null" {
		return nil
	}
	if _, ok := w.SetString(s, 10); !ok {
		return fmt.Errorf("invalid wei amount %q", s)
	}
	return nil
}

func (w *WeiAmount) MarshalJSON() ([]byte, error) {
	if w == nil {
		return []byte(`"0"`), nil
	}
	return []byte(`"` + w.String() + `"`), nil
}

// ToBig returns a detached copy of the amount.
func (w *WeiAmount) ToBig() *big.Int {
	if w == nil {
		return nil
	}
	return new(big.Int).Set(&w.Int)
}

// Manifest is a worker's self-description served at GET /manifest.
type Manifest struct {
	Worker struct {
		Address string `json:"address"`
		ChainID int64  `json:"chainId"`
		RPCURL  string `json:"rpcUrl"`
	} `json:"worker"`
	Services []ManifestService `json:"services"`
	Protocol struct {
		PaymentHeader string `json:"paymentHeader"`
	} `json:"protocol"`
	Timestamp int64 `json:"timestamp"`
}

// ManifestService is one advertised capability.
type ManifestService struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	PriceWei    *WeiAmount `json:"priceWei"`
	Endpoint    string     `json:"endpoint"`
	Version     string     `json:"version"`
}

// Proof is a worker's completion attestation: the result hash it
// submitted on-chain and its signature over keccak(taskHash||result).
type Proof struct {
	ResultHash string `json:"resultHash"`
	Signature  string `json:"signature"`
}

// Config tunes the client.
type Config struct {
	// Timeout bounds each worker round-trip.
	Timeout time.Duration
	// MaxResponseBytes caps response bodies; larger bodies fail the
	// call instead of exhausting memory.
	MaxResponseBytes int64
	// Breaker configures the per-worker circuit breakers.
	Breaker econoserrors.CircuitBreakerConfig
}

// Client speaks the worker HTTP protocol: manifest discovery, task
// dispatch, proof polling and result retrieval. Each worker endpoint
// gets its own circuit breaker so one dead worker cannot poison calls
// to the rest.
type Client struct {
	http     *http.Client
	breakers *econoserrors.CircuitBreakerManager
	maxBody  int64
	logger   logging.Logger
}

// New builds a worker client.
func New(cfg Config, logger logging.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = defaultMaxResponseBytes
	}
	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker = econoserrors.DefaultCircuitBreakerConfig()
	}
	logger = logging.OrNop(logger)
	return &Client{
		http:     httpclient.New(cfg.Timeout, logger),
		breakers: econoserrors.NewCircuitBreakerManager(cfg.Breaker),
		maxBody:  cfg.MaxResponseBytes,
		logger:   logger,
	}
}

// FetchManifest retrieves and decodes a worker's manifest.
func (c *Client) FetchManifest(ctx context.Context, endpoint string) (*Manifest, error) {
	var manifest *Manifest
	err := c.breaker(endpoint).Execute(ctx, func(ctx context.Context) error {
		body, status, err := c.get(ctx, joinPath(endpoint, "manifest"))
		if err != nil {
			return err
		}
		if status != http.StatusOK {
			return fmt.Errorf("manifest fetch: status %d", status)
		}
		var m Manifest
		if err := json.Unmarshal(body, &m); err != nil {
			return fmt.Errorf("manifest fetch: decode: %w", err)
		}
		manifest = &m
		return nil
	})
	if err != nil {
		return nil, &econoserrors.ManifestUnavailableError{Endpoint: endpoint, Err: err}
	}
	return manifest, nil
}

// DispatchInput carries one authorize delivery.
type DispatchInput struct {
	Endpoint      string
	TaskID        task.TaskID
	Params        map[string]any
	Authorization *authz.SignedAuthorization
	// PaymentTxHash is the escrow deposit receipt presented as payment
	// evidence.
	PaymentTxHash string
	// PaymentHeader overrides the manifest-advertised header name.
	PaymentHeader string
}

type dispatchRequest struct {
	Payload       dispatchPayload            `json:"payload"`
	Authorization *authz.SignedAuthorization `json:"authorization"`
}

type dispatchPayload struct {
	Params map[string]any `json:"params"`
}

// Dispatch delivers the signed authorization and task input to the
// worker. Any non-2xx response fails the dispatch.
func (c *Client) Dispatch(ctx context.Context, in DispatchInput) error {
	body, err := json.Marshal(dispatchRequest{
		Payload:       dispatchPayload{Params: in.Params},
		Authorization: in.Authorization,
	})
	if err != nil {
		return fmt.Errorf("encode dispatch body: %w", err)
	}
	target := joinPath(in.Endpoint, "authorize", in.TaskID.String())

	return c.breaker(in.Endpoint).Execute(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
		if err != nil {
			return &econoserrors.DispatchFailedError{Worker: in.Endpoint, StatusCode: 0, Body: err.Error()}
		}
		req.Header.Set("Content-Type", "application/json")
		header := in.PaymentHeader
		if header == "" {
			header = DefaultPaymentHeader
		}
		if in.PaymentTxHash != "" {
			req.Header.Set(header, in.PaymentTxHash)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return &econoserrors.DispatchFailedError{Worker: in.Endpoint, StatusCode: 0, Body: err.Error()}
		}
		defer resp.Body.Close()
		respBody, readErr := httpclient.ReadAllWithLimit(resp.Body, c.maxBody)
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return &econoserrors.DispatchFailedError{
				Worker:     in.Endpoint,
				StatusCode: resp.StatusCode,
				Body:       truncate(string(respBody), 512),
			}
		}
		if readErr != nil {
			c.logger.Warn("dispatch response body discarded: %v", readErr)
		}
		c.logger.Debug("dispatch accepted: task=%s endpoint=%s status=%d", in.TaskID, in.Endpoint, resp.StatusCode)
		return nil
	})
}

type proofEnvelope struct {
	Success bool   `json:"success"`
	Proof   *Proof `json:"proof,omitempty"`
}

// FetchProof probes the worker for a completion proof. A worker that
// has not finished yet yields (nil, nil); callers keep polling until
// their own deadline.
func (c *Client) FetchProof(ctx context.Context, endpoint string, id task.TaskID) (*Proof, error) {
	var proof *Proof
	err := c.breaker(endpoint).Execute(ctx, func(ctx context.Context) error {
		body, status, err := c.get(ctx, joinPath(endpoint, "proof", id.String()))
		if err != nil {
			return err
		}
		switch {
		case status == http.StatusNotFound:
			return nil // worker does not know the task yet
		case status != http.StatusOK:
			return fmt.Errorf("proof fetch: status %d", status)
		}
		var env proofEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			return fmt.Errorf("proof fetch: decode: %w", err)
		}
		if env.Success && env.Proof != nil {
			proof = env.Proof
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return proof, nil
}

type resultEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// FetchResult retrieves the completed task's output data.
func (c *Client) FetchResult(ctx context.Context, endpoint string, id task.TaskID) (any, error) {
	var data any
	err := c.breaker(endpoint).Execute(ctx, func(ctx context.Context) error {
		body, status, err := c.get(ctx, joinPath(endpoint, "result", id.String()))
		if err != nil {
			return err
		}
		if status != http.StatusOK {
			return fmt.Errorf("result fetch: status %d", status)
		}
		var env resultEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			return fmt.Errorf("result fetch: decode: %w", err)
		}
		if !env.Success {
			return fmt.Errorf("result fetch: worker reported failure")
		}
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &data); err != nil {
				return fmt.Errorf("result fetch: decode data: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, &econoserrors.ResultFetchFailedError{Worker: endpoint, Err: err}
	}
	return data, nil
}

// BreakerMetrics exposes the per-worker breaker states for diagnostics.
func (c *Client) BreakerMetrics() []econoserrors.CircuitBreakerMetrics {
	return c.breakers.GetMetrics()
}

func (c *Client) breaker(endpoint string) *econoserrors.CircuitBreaker {
	name := endpoint
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		name = u.Host
	}
	return c.breakers.Get(name)
}

func (c *Client) get(ctx context.Context, target string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := httpclient.ReadAllWithLimit(resp.Body, c.maxBody)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

func joinPath(base string, parts ...string) string {
	out := strings.TrimRight(base, "/")
	for _, p := range parts {
		out += "/" + strings.Trim(p, "/")
	}
	return out
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
