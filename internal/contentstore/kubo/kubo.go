// Package kubo talks to a local IPFS node through its HTTP RPC API. Besides
// the content backend operations it reads and writes files in the node's
// mutable file system, which the registry uses for its latest pointer.
package kubo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dmitrijs2005/healthsync/internal/common"
	"github.com/dmitrijs2005/healthsync/internal/netx"
)

const DefaultURL = "http://127.0.0.1:5001"

type Client struct {
	base string
	http *http.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), http: netx.NewClient(timeout)}
}

func (c *Client) Name() string { return "kubo" }

func (c *Client) endpoint(cmd string, args url.Values) string {
	u := c.base + "/api/v0/" + cmd
	if len(args) > 0 {
		u += "?" + args.Encode()
	}
	return u
}

// call posts to an RPC command. The node answers every error with 500 and
// a JSON {"Message": ...}; messages about missing paths or blocks become
// common.ErrNotFound.
func (c *Client) call(ctx context.Context, cmd string, args url.Values, body io.Reader, contentType string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(cmd, args), body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kubo %s: %w", cmd, netx.Classify(err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("kubo %s: read body: %w", cmd, netx.Classify(err))
	}
	if resp.StatusCode == http.StatusOK {
		return data, nil
	}

	var rpcErr struct{ Message string }
	_ = json.Unmarshal(data, &rpcErr)
	if resp.StatusCode == http.StatusInternalServerError && isMissing(rpcErr.Message) {
		return nil, fmt.Errorf("kubo %s: %s: %w", cmd, rpcErr.Message, common.ErrNotFound)
	}
	msg := rpcErr.Message
	if msg == "" {
		msg = strings.TrimSpace(string(data))
	}
	return nil, fmt.Errorf("kubo %s: %w", cmd, netx.StatusError(resp.StatusCode, msg))
}

func isMissing(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "does not exist") ||
		strings.Contains(msg, "not found") ||
		strings.Contains(msg, "no link named")
}

func multipartFile(name string, data []byte) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", name)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

// Upload adds and pins data, returning its CIDv1.
func (c *Client) Upload(ctx context.Context, data []byte) (string, error) {
	body, ct, err := multipartFile("blob", data)
	if err != nil {
		return "", err
	}
	args := url.Values{"pin": {"true"}, "cid-version": {"1"}, "quieter": {"true"}}
	out, err := c.call(ctx, "add", args, body, ct)
	if err != nil {
		return "", err
	}

	var res struct{ Hash string }
	if err := json.Unmarshal(out, &res); err != nil {
		return "", fmt.Errorf("kubo add: decode response: %w", err)
	}
	if res.Hash == "" {
		return "", fmt.Errorf("kubo add: empty hash in response")
	}
	return res.Hash, nil
}

func (c *Client) Download(ctx context.Context, cid string) ([]byte, error) {
	return c.call(ctx, "cat", url.Values{"arg": {cid}}, nil, "")
}

func (c *Client) Probe(ctx context.Context) bool {
	_, err := c.call(ctx, "version", nil, nil, "")
	return err == nil
}

// WriteFile replaces the file at an absolute MFS path, creating parents.
func (c *Client) WriteFile(ctx context.Context, path string, data []byte) error {
	body, ct, err := multipartFile("data", data)
	if err != nil {
		return err
	}
	args := url.Values{
		"arg":      {path},
		"create":   {"true"},
		"parents":  {"true"},
		"truncate": {"true"},
	}
	_, err = c.call(ctx, "files/write", args, body, ct)
	return err
}

// ReadFile returns common.ErrNotFound when path does not exist.
func (c *Client) ReadFile(ctx context.Context, path string) ([]byte, error) {
	return c.call(ctx, "files/read", url.Values{"arg": {path}}, nil, "")
}
