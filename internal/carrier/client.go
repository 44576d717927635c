package carrier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/thrillee/aegiscert/internal/model"
	"github.com/thrillee/aegiscert/pkg/codes"
)

// Config is the static channel configuration shared by every submission.
type Config struct {
	URL             string
	Username        string
	Password        string
	DLRURL          string
	DLRMask         int
	Flash           bool
	ValidityMinutes int
	Timeout         time.Duration
}

// SubmitRequest is one message to hand to the carrier.
type SubmitRequest struct {
	MessageID string
	Sender    string
	Recipient string
	Text      string
	DCS       string // gsm or ucs
}

// Acceptance is the carrier's reply to an accepted submission.
type Acceptance struct {
	ProviderID string
	PartCount  int
}

type auth struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type custom struct {
	DBMessageID string `json:"db_message_id"`
}

type sendPayload struct {
	Type                  string `json:"type"`
	Auth                  auth   `json:"auth"`
	Sender                string `json:"sender"`
	Receiver              string `json:"receiver"`
	Text                  string `json:"text"`
	Custom                custom `json:"custom"`
	DLRMask               int    `json:"dlrMask,omitempty"`
	DLRURL                string `json:"dlrUrl,omitempty"`
	DCS                   string `json:"dcs"`
	Flash                 bool   `json:"flash,omitempty"`
	ValidatePeriodMinutes int    `json:"validatePeriodMinutes,omitempty"`
}

type acceptedReply struct {
	MsgID    flexString `json:"msgid"`
	NumParts flexString `json:"numParts"`
}

type errorReply struct {
	Error struct {
		Code    flexString `json:"code"`
		Message string     `json:"message"`
	} `json:"error"`
}

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// Client submits messages to the carrier's JSON HTTP API. One call is one
// attempt; retry policy belongs to the caller.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

func (c *Client) payload(req SubmitRequest) sendPayload {
	p := sendPayload{
		Type:     "text",
		Auth:     auth{Username: c.cfg.Username, Password: c.cfg.Password},
		Sender:   req.Sender,
		Receiver: strings.TrimLeft(req.Recipient, "+"),
		Text:     req.Text,
		Custom:   custom{DBMessageID: req.MessageID},
		DCS:      req.DCS,
		Flash:    c.cfg.Flash,
	}
	if c.cfg.DLRMask > 0 && c.cfg.DLRURL != "" {
		p.DLRMask = c.cfg.DLRMask
		p.DLRURL = c.cfg.DLRURL
	}
	if c.cfg.ValidityMinutes > 0 {
		p.ValidatePeriodMinutes = c.cfg.ValidityMinutes
	}
	return p
}

// Submit makes one submission attempt. Errors are *model.TransientProviderError
// (throttled, 5xx, transport) or *model.PermanentProviderError.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (Acceptance, error) {
	body, err := json.Marshal(c.payload(req))
	if err != nil {
		return Acceptance{}, fmt.Errorf("marshal carrier payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return Acceptance{}, fmt.Errorf("build carrier request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json; charset=utf-8")

	slog.DebugContext(ctx, "Submitting SMS to carrier", slog.String("url", c.cfg.URL), slog.String("dcs", req.DCS))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Acceptance{}, &model.TransientProviderError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Acceptance{}, &model.TransientProviderError{Err: fmt.Errorf("read carrier reply: %w", err)}
	}

	switch {
	case resp.StatusCode == codes.CarrierHTTPAccepted:
		return parseAccepted(raw)

	case resp.StatusCode == codes.CarrierHTTPThrottled:
		var er errorReply
		if json.Unmarshal(raw, &er) == nil && string(er.Error.Code) == strconv.Itoa(codes.CarrierThrottleCode) {
			return Acceptance{}, &model.TransientProviderError{
				StatusCode: resp.StatusCode,
				Throttled:  true,
				Err:        errors.New(er.Error.Message),
			}
		}
		return Acceptance{}, &model.PermanentProviderError{StatusCode: resp.StatusCode, Body: string(raw)}

	case resp.StatusCode >= 500 && resp.StatusCode < 600:
		return Acceptance{}, &model.TransientProviderError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("carrier server error: %s", strings.TrimSpace(string(raw))),
		}
	}
	return Acceptance{}, &model.PermanentProviderError{StatusCode: resp.StatusCode, Body: string(raw)}
}

func parseAccepted(raw []byte) (Acceptance, error) {
	var reply acceptedReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return Acceptance{}, &model.PermanentProviderError{
			StatusCode: codes.CarrierHTTPAccepted,
			Body:       fmt.Sprintf("unparseable acceptance %q: %v", raw, err),
		}
	}
	if reply.MsgID == "" {
		return Acceptance{}, &model.PermanentProviderError{
			StatusCode: codes.CarrierHTTPAccepted,
			Body:       fmt.Sprintf("acceptance without msgid: %s", raw),
		}
	}
	parts := 1
	if reply.NumParts != "" {
		if n, err := strconv.Atoi(string(reply.NumParts)); err == nil && n > 0 {
			parts = n
		}
	}
	return Acceptance{ProviderID: string(reply.MsgID), PartCount: parts}, nil
}
