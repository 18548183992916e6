package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"

	"sealed_chat/internal/model"
)

// ErrNoBackup means the directory holds no backup blob for the user, as
// opposed to a blob that fails to decrypt.
var ErrNoBackup = errors.New("app: no backup exists for user")

type (
	// DirectoryClient talks to the device-directory API. It implements
	// devices.Directory.
	DirectoryClient struct {
		host string
		http *http.Client
	}
)

func NewDirectoryClient(host string) *DirectoryClient {
	return &DirectoryClient{
		host: host,
		http: http.DefaultClient,
	}
}

func (c *DirectoryClient) RegisterDevice(ctx context.Context, dev *model.DeviceIdentity) error {
	body, err := json.Marshal(dev)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, "/devices", body, nil)
}

func (c *DirectoryClient) ListDevices(ctx context.Context, userID string) ([]model.DeviceIdentity, error) {
	var devices []model.DeviceIdentity
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/devices/%s", userID), nil, func(resp *http.Response) error {
		return json.NewDecoder(resp.Body).Decode(&devices)
	})
	if err != nil {
		return nil, err
	}
	return devices, nil
}

func (c *DirectoryClient) PutUserKey(ctx context.Context, key *model.UserKey) error {
	body, err := json.Marshal(key)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPut, fmt.Sprintf("/keys/%s", key.UserID), body, nil)
}

// GetUserKey returns (nil, nil) when the user has never published a key.
func (c *DirectoryClient) GetUserKey(ctx context.Context, userID string) (*model.UserKey, error) {
	var key model.UserKey
	found := false
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/keys/%s", userID), nil, func(resp *http.Response) error {
		if resp.StatusCode == http.StatusNotFound {
			return nil
		}
		found = true
		return json.NewDecoder(resp.Body).Decode(&key)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &key, nil
}

func (c *DirectoryClient) PutBackup(ctx context.Context, userID string, blob []byte) error {
	return c.do(ctx, http.MethodPut, fmt.Sprintf("/backup/%s", userID), blob, nil)
}

// GetBackup returns ErrNoBackup when none exists, so callers can
// distinguish "nothing to restore" from a failed restore.
func (c *DirectoryClient) GetBackup(ctx context.Context, userID string) ([]byte, error) {
	var blob []byte
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/backup/%s", userID), nil, func(resp *http.Response) error {
		if resp.StatusCode == http.StatusNotFound {
			return ErrNoBackup
		}
		var rerr error
		blob, rerr = io.ReadAll(resp.Body)
		return rerr
	})
	if err != nil {
		return nil, err
	}
	return blob, nil
}

// DialRelay opens the realtime websocket connection for userID.
func (c *DirectoryClient) DialRelay(userID string) (*websocket.Conn, error) {
	params := url.Values{
		"userID": []string{userID},
	}

	u := url.URL{
		Scheme:   "ws",
		Host:     c.host,
		Path:     "/init",
		RawQuery: params.Encode(),
	}

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, err
	}

	return conn, nil
}

// do runs one request. handle, when non-nil, consumes the response and
// also sees 404s (some endpoints give them meaning); every other non-2xx
// status is an error.
func (c *DirectoryClient) do(ctx context.Context, method, path string, body []byte, handle func(*http.Response) error) error {
	u := url.URL{
		Scheme: "http",
		Host:   c.host,
		Path:   path,
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 && !(resp.StatusCode == http.StatusNotFound && handle != nil) {
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}

	if handle != nil {
		return handle(resp)
	}
	return nil
}
