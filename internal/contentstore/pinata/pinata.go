// Package pinata stores blobs on the Pinata pinning service and reads them
// back through its gateway.
package pinata

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/dmitrijs2005/healthsync/internal/netx"
	"golang.org/x/time/rate"
)

const (
	DefaultAPIURL     = "https://api.pinata.cloud"
	DefaultGatewayURL = "https://gateway.pinata.cloud"
)

type Config struct {
	APIURL     string
	GatewayURL string
	JWT        string
	// RequestsPerSecond throttles calls to the API; 0 means 3 per second.
	RequestsPerSecond float64
	Timeout           time.Duration
}

type Client struct {
	api     string
	gateway string
	jwt     string
	http    *http.Client
	limiter *rate.Limiter
}

func New(cfg Config) *Client {
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if cfg.GatewayURL == "" {
		cfg.GatewayURL = DefaultGatewayURL
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 3
	}
	return &Client{
		api:     strings.TrimRight(cfg.APIURL, "/"),
		gateway: strings.TrimRight(cfg.GatewayURL, "/"),
		jwt:     cfg.JWT,
		http:    netx.NewClient(cfg.Timeout),
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
	}
}

func (c *Client) Name() string { return "pinata" }

func (c *Client) do(ctx context.Context, req *http.Request) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, netx.Classify(err)
	}
	if c.jwt != "" {
		req.Header.Set("Authorization", "Bearer "+c.jwt)
	}
	resp, err := netx.Do(c.http, req)
	if err != nil {
		return nil, fmt.Errorf("pinata %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("pinata %s: %w", req.URL.Path, netx.Classify(err))
	}
	return data, nil
}

// Upload pins data with pinFileToIPFS and returns the CID.
func (c *Client) Upload(ctx context.Context, data []byte) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", "blob.enc")
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	if err := w.WriteField("pinataMetadata", `{"name":"healthsync-blob"}`); err != nil {
		return "", err
	}
	if err := w.WriteField("pinataOptions", `{"cidVersion":1}`); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.api+"/pinning/pinFileToIPFS", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	out, err := c.do(ctx, req)
	if err != nil {
		return "", err
	}

	var res struct {
		IpfsHash string `json:"IpfsHash"`
	}
	if err := json.Unmarshal(out, &res); err != nil {
		return "", fmt.Errorf("pinata: decode pin response: %w", err)
	}
	if res.IpfsHash == "" {
		return "", fmt.Errorf("pinata: empty hash in pin response")
	}
	return res.IpfsHash, nil
}

func (c *Client) Download(ctx context.Context, cid string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.gateway+"/ipfs/"+cid, nil)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, req)
}

// Probe checks the configured JWT against testAuthentication.
func (c *Client) Probe(ctx context.Context) bool {
	if c.jwt == "" {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.api+"/data/testAuthentication", nil)
	if err != nil {
		return false
	}
	_, err = c.do(ctx, req)
	return err == nil
}
