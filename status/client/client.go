package client

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	fspath "path"
	"time"

	"github.com/meridianrt/meridian/server/kvstore"
	"github.com/meridianrt/meridian/server/peers"
)

// Client queries the status API of a Meridian node's admin server.
type Client struct {
	httpClient *http.Client

	url *url.URL
}

func NewClient(url *url.URL) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: time.Second * 15,
		},
		url: url,
	}
}

func (c *Client) SetURL(url *url.URL) {
	c.url = url
}

func (c *Client) Areas() ([]string, error) {
	r, err := c.request("/status/kvstore/areas")
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var areas []string
	if err := json.NewDecoder(r).Decode(&areas); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return areas, nil
}

func (c *Client) Area(areaID, prefix string) ([]kvstore.KeyValue, error) {
	path := "/status/kvstore/areas/" + areaID
	if prefix != "" {
		path += "?prefix=" + url.QueryEscape(prefix)
	}
	r, err := c.request(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var kvs []kvstore.KeyValue
	if err := json.NewDecoder(r).Decode(&kvs); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return kvs, nil
}

func (c *Client) Key(areaID, key string) (kvstore.Value, error) {
	r, err := c.request("/status/kvstore/areas/" + areaID + "/keys/" + key)
	if err != nil {
		return kvstore.Value{}, err
	}
	defer r.Close()

	var value kvstore.Value
	if err := json.NewDecoder(r).Decode(&value); err != nil {
		return kvstore.Value{}, fmt.Errorf("decode response: %w", err)
	}
	return value, nil
}

func (c *Client) Sessions() ([]peers.SessionInfo, error) {
	r, err := c.request("/status/peers/sessions")
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var sessions []peers.SessionInfo
	if err := json.NewDecoder(r).Decode(&sessions); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return sessions, nil
}

func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

func (c *Client) request(path string) (io.ReadCloser, error) {
	url := new(url.URL)
	*url = *c.url

	// The path may contain a query.
	parsed, err := url.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	url.RawQuery = parsed.RawQuery
	url.Path = fspath.Join(url.Path, parsed.Path)

	req, err := http.NewRequest(http.MethodGet, url.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()

		return nil, fmt.Errorf("request: bad status: %d", resp.StatusCode)
	}

	return resp.Body, nil
}
