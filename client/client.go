// client/client.go
package client

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"revfs/internal/api"
	"revfs/internal/errors"
	"revfs/internal/lock"
)

// Client talks to the read-only inspection API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: time.Second * 10,
		},
	}
}

func (c *Client) get(path string, query url.Values) (*http.Response, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	resp, err := c.httpClient.Get(u)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		var e errors.Error
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Type == "" {
			return nil, fmt.Errorf("unexpected status: %s", resp.Status)
		}
		e.Code = resp.StatusCode
		return nil, &e
	}
	return resp, nil
}

func (c *Client) getJSON(path string, query url.Values, out any) error {
	resp, err := c.get(path, query)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) Youngest() (int64, error) {
	var resp api.YoungestResponse
	if err := c.getJSON("/api/youngest", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Youngest, nil
}

func (c *Client) Revision(rev int64) (*api.RevisionResponse, error) {
	var resp api.RevisionResponse
	if err := c.getJSON(fmt.Sprintf("/api/revisions/%d", rev), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Tree(rev int64, path string) (*api.TreeResponse, error) {
	var resp api.TreeResponse
	if err := c.getJSON(fmt.Sprintf("/api/revisions/%d/tree", rev), url.Values{"path": {path}}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Cat returns the content of the file at path in rev. The caller closes it.
func (c *Client) Cat(rev int64, path string) (io.ReadCloser, error) {
	resp, err := c.get(fmt.Sprintf("/api/revisions/%d/cat", rev), url.Values{"path": {path}})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (c *Client) Locks(path string) ([]*lock.Lock, error) {
	var locks []*lock.Lock
	if err := c.getJSON("/api/locks", url.Values{"path": {path}}, &locks); err != nil {
		return nil, err
	}
	return locks, nil
}
