// Package client is a thin Go client for the wiretapd HTTP API, for
// embedding in other tools. It mirrors the wire JSON with its own types
// so importers stay decoupled from the engine's internals.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func New(baseURL string) *Client {
	return &Client{BaseURL: baseURL, HTTP: http.DefaultClient}
}

// Session is the engine's cached view of one shared capture session.
type Session struct {
	ID            string  `json:"id"`
	ProfileID     string  `json:"profileId,omitempty"`
	DisplayName   string  `json:"displayName,omitempty"`
	Lifecycle     string  `json:"lifecycle"`
	RunState      string  `json:"runState"`
	ListenerCount int     `json:"listenerCount"`
	Speed         float64 `json:"speed,omitempty"`
	Error         string  `json:"error,omitempty"`
}

// DecodedSignal is one retained signal value.
type DecodedSignal struct {
	Name      string    `json:"name"`
	RawValue  int64     `json:"rawValue"`
	Value     float64   `json:"value"`
	Display   string    `json:"display,omitempty"`
	Unit      string    `json:"unit,omitempty"`
	MuxValue  *uint64   `json:"muxValue,omitempty"`
	Timestamp time.Time `json:"ts"`
}

// DecodedFrame is the retained decode state for one identifier.
type DecodedFrame struct {
	ID            uint32          `json:"id"`
	Name          string          `json:"name,omitempty"`
	Signals       []DecodedSignal `json:"signals"`
	Bytes         []byte          `json:"bytes"`
	SourceAddress *uint32         `json:"sourceAddress,omitempty"`
	LastSeen      time.Time       `json:"lastSeen"`
}

// MirrorStatus is the current verdict for one mirror/source pairing.
type MirrorStatus struct {
	MirrorID   uint32 `json:"mirrorId"`
	SourceID   uint32 `json:"sourceId"`
	Valid      *bool  `json:"valid"`
	Mismatched []int  `json:"mismatched,omitempty"`
}

// StateVersion is the store's change counter with container sizes.
type StateVersion struct {
	Version uint64 `json:"version"`
	Counts  struct {
		Frames    int `json:"frames"`
		Unmatched int `json:"unmatched"`
		Filtered  int `json:"filtered"`
	} `json:"counts"`
}

func (c *Client) Sessions(ctx context.Context) ([]Session, error) {
	var out struct {
		Items []Session `json:"items"`
	}
	if err := c.get(ctx, "/api/sessions", &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *Client) Session(ctx context.Context, id string) (Session, error) {
	var out Session
	err := c.get(ctx, "/api/sessions/"+id, &out)
	return out, err
}

// Control posts one session operation: start, stop, pause or resume.
func (c *Client) Control(ctx context.Context, id, op string) error {
	return c.post(ctx, "/api/sessions/"+id+"/"+op, nil, nil)
}

func (c *Client) SetSpeed(ctx context.Context, id string, speed float64) error {
	return c.post(ctx, "/api/sessions/"+id+"/speed", map[string]any{"speed": speed}, nil)
}

func (c *Client) Seek(ctx context.Context, id string, timestampUs int64) error {
	return c.post(ctx, "/api/sessions/"+id+"/seek", map[string]any{"timestampUs": timestampUs}, nil)
}

// Transmit sends one frame out through the session. ID and data take the
// human hex spellings the API accepts ("0x1A0", "DE AD BE EF").
func (c *Client) Transmit(ctx context.Context, sessionID, frameID, data string) error {
	body := map[string]any{"id": frameID, "data": data}
	return c.post(ctx, "/api/sessions/"+sessionID+"/transmit", body, nil)
}

func (c *Client) Frames(ctx context.Context) ([]DecodedFrame, error) {
	var out struct {
		Items []DecodedFrame `json:"items"`
	}
	if err := c.get(ctx, "/api/state/frames", &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *Client) Frame(ctx context.Context, id string) (DecodedFrame, error) {
	var out DecodedFrame
	err := c.get(ctx, "/api/state/frames/"+id, &out)
	return out, err
}

func (c *Client) Mirrors(ctx context.Context) ([]MirrorStatus, error) {
	var out struct {
		Items []MirrorStatus `json:"items"`
	}
	if err := c.get(ctx, "/api/state/mirrors", &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *Client) Version(ctx context.Context) (StateVersion, error) {
	var out StateVersion
	err := c.get(ctx, "/api/state/version", &out)
	return out, err
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error.Code != "" {
			return fmt.Errorf("%s %s: %s (%s)", req.Method, req.URL.Path, apiErr.Error.Message, apiErr.Error.Code)
		}
		return fmt.Errorf("%s %s: status %d", req.Method, req.URL.Path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
