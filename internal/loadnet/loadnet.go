// Package loadnet is the HTTP client for the Load content-addressed
// network: the agent answers tag queries, gateways resolve data items and
// the upload endpoint accepts signed records.
//
// Every endpoint is a mirror list. A later mirror is only tried after the
// earlier one failed or answered empty.
package loadnet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dotheaven/heaven-content/pkg/envelope"
	"github.com/sirupsen/logrus"
)

var (
	ErrTransport = errors.New("loadnet: transport failed")
	ErrRejected  = errors.New("loadnet: upload rejected")
)

const (
	DefaultAgentURL    = "https://load-s3-agent.load.network"
	DefaultGatewayURL  = "https://gateway.s3-node-1.load.network"
	DefaultUploadURL   = "https://loaded-turbo-api.load.network"
	DefaultUploadToken = "ethereum"

	maxResponseBytes = 64 << 20
)

type Config struct {
	AgentURLs   []string
	GatewayURLs []string
	UploadURL   string
	UploadToken string
	Client      *http.Client
	Logger      *logrus.Logger
}

// Client implements envelope.Network over HTTP.
type Client struct {
	agents   []string
	gateways []string
	upload   string
	token    string
	http     *http.Client
	log      *logrus.Entry
}

var _ envelope.Network = (*Client)(nil)

func New(cfg Config) *Client {
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 60 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	upload := strings.TrimRight(strings.TrimSpace(cfg.UploadURL), "/")
	if upload == "" {
		upload = DefaultUploadURL
	}
	token := strings.ToLower(strings.TrimSpace(cfg.UploadToken))
	if token == "" {
		token = DefaultUploadToken
	}
	return &Client{
		agents:   bases(cfg.AgentURLs, DefaultAgentURL),
		gateways: bases(cfg.GatewayURLs, DefaultGatewayURL),
		upload:   upload,
		token:    token,
		http:     cfg.Client,
		log:      cfg.Logger.WithField("component", "loadnet"),
	}
}

func bases(list []string, def string) []string {
	var out []string
	for _, u := range list {
		if u = strings.TrimRight(strings.TrimSpace(u), "/"); u != "" {
			out = append(out, u)
		}
	}
	if len(out) == 0 {
		out = []string{def}
	}
	return out
}

// GatewayURL returns the resolve URL of id on the first gateway.
func (c *Client) GatewayURL(id string) string {
	return c.gateways[0] + "/resolve/" + strings.TrimSpace(id)
}

type queryFilter struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type queryRequest struct {
	Filters     []queryFilter `json:"filters"`
	First       int           `json:"first"`
	IncludeTags bool          `json:"include_tags"`
}

type queryItem struct {
	DataitemID      string `json:"dataitem_id"`
	DataitemIDCamel string `json:"dataitemId"`
	ID              string `json:"id"`
}

func (it queryItem) id() string {
	for _, v := range []string{it.DataitemID, it.DataitemIDCamel, it.ID} {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// QueryByTags posts the filters to {agent}/tags/query.
func (c *Client) QueryByTags(ctx context.Context, filters []envelope.Tag, limit int) ([]string, error) { // A
	req := queryRequest{First: limit}
	for _, f := range filters {
		req.Filters = append(req.Filters, queryFilter{Key: f.Name, Value: f.Value})
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	var last error
	answered := false
	for _, agent := range c.agents {
		var resp struct {
			Items []queryItem `json:"items"`
		}
		err := c.doJSON(ctx, http.MethodPost, agent+"/tags/query", "application/json", body, &resp)
		if err != nil {
			last = err
			if ctx.Err() != nil {
				break
			}
			c.log.WithField("agent", agent).WithError(err).Debug("tag query failed")
			continue
		}
		answered = true
		var ids []string
		for _, it := range resp.Items {
			if id := it.id(); id != "" {
				ids = append(ids, id)
			}
		}
		if len(ids) > 0 {
			if limit > 0 && len(ids) > limit {
				ids = ids[:limit]
			}
			return ids, nil
		}
	}
	if answered {
		return nil, nil
	}
	return nil, fmt.Errorf("%w: tag query: %w", ErrTransport, last)
}

// Fetch resolves id on the gateways. A body that is a signed record is
// unwrapped to its data.
func (c *Client) Fetch(ctx context.Context, id string) ([]byte, error) { // A
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.New("loadnet: empty data item id")
	}
	var last error
	for _, gw := range c.gateways {
		body, err := c.get(ctx, gw+"/resolve/"+id)
		if err == nil && len(body) == 0 {
			err = errors.New("empty body")
		}
		if err != nil {
			last = err
			if ctx.Err() != nil {
				break
			}
			c.log.WithFields(logrus.Fields{"gateway": gw, "id": id}).WithError(err).Debug("resolve failed")
			continue
		}
		if rec, perr := envelope.UnmarshalSignedRecord(body); perr == nil && rec.Verify() == nil {
			return rec.Data, nil
		}
		return body, nil
	}
	return nil, fmt.Errorf("%w: resolve %s: %w", ErrTransport, id, last)
}

type uploadResponse struct {
	ID              string          `json:"id"`
	DataitemID      string          `json:"dataitem_id"`
	DataitemIDCamel string          `json:"dataitemId"`
	Result          *uploadResponse `json:"result"`
	Error           string          `json:"error"`
}

func (r *uploadResponse) id() string {
	for _, v := range []string{r.ID, r.DataitemID, r.DataitemIDCamel} {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	if r.Result != nil {
		return r.Result.id()
	}
	return ""
}

// Publish uploads the signed record to {upload}/v1/tx/{token}.
func (c *Client) Publish(ctx context.Context, signed []byte) (string, error) { // A
	endpoint := c.upload + "/v1/tx/" + c.token
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(signed))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: upload: %w", ErrTransport, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("%w: upload body: %w", ErrTransport, err)
	}

	var parsed uploadResponse
	_ = json.Unmarshal(raw, &parsed)
	if resp.StatusCode >= 400 {
		msg := parsed.Error
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		if resp.StatusCode >= 500 {
			return "", fmt.Errorf("%w: upload: %s", ErrTransport, msg)
		}
		return "", fmt.Errorf("%w: %s", ErrRejected, msg)
	}
	id := parsed.id()
	if id == "" {
		return "", fmt.Errorf("%w: upload succeeded but no data item id was returned", ErrRejected)
	}
	c.log.WithFields(logrus.Fields{"id": id, "bytes": len(signed)}).Info("uploaded signed record")
	return id, nil
}

func (c *Client) doJSON(ctx context.Context, method, url, contentType string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s %s: status %d", method, url, resp.StatusCode)
	}
	return json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out)
}

func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
}
