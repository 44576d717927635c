package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/thrillee/aegiscert/internal/ingest"
	"github.com/thrillee/aegiscert/internal/logging"
	"github.com/thrillee/aegiscert/internal/model"
	"github.com/thrillee/aegiscert/internal/reconcile"
)

const maxBodyBytes = 1 << 20

type submitHTTPRequest struct {
	Sender    string                     `json:"sender"`
	Receiver  string                     `json:"receiver"`
	Content   string                     `json:"content"`
	Timestamp *flexTime                  `json:"timestamp"`
	Callback  *model.CallbackCredentials `json:"callback"`
}

func (r submitHTTPRequest) submission() ingest.Submission {
	sub := ingest.Submission{
		Sender:    r.Sender,
		Recipient: r.Receiver,
		Content:   r.Content,
	}
	if r.Timestamp != nil {
		t := time.Time(*r.Timestamp)
		sub.SubmittedAt = &t
	}
	if r.Callback != nil {
		sub.Callback = *r.Callback
	}
	return sub
}

// flexTime accepts RFC 3339 and the zone-less layouts older clients send.
type flexTime time.Time

var timestampLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05"}

func (f *flexTime) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("timestamp must be a string: %w", err)
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			*f = flexTime(t)
			return nil
		}
	}
	return fmt.Errorf("unrecognised timestamp %q", s)
}

type partReceipt struct {
	Part     int    `json:"part"`
	Status   string `json:"status"`
	Encoding string `json:"encoding"`
}

func (s *Server) decodeSubmission(w http.ResponseWriter, r *http.Request) (ingest.Receipt, bool) {
	ctx := r.Context()
	var payload submitHTTPRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&payload); err != nil {
		slog.WarnContext(ctx, "Failed to decode submission body", slog.Any("error", err))
		writeError(ctx, w, http.StatusBadRequest, fmt.Sprintf("Bad Request: invalid JSON - %v", err))
		return ingest.Receipt{}, false
	}

	receipt, err := s.submitter.Submit(ctx, payload.submission())
	switch {
	case errors.Is(err, ingest.ErrInvalid):
		writeError(ctx, w, http.StatusBadRequest, err.Error())
		return ingest.Receipt{}, false
	case errors.Is(err, model.ErrNotFound):
		writeError(ctx, w, http.StatusNotFound, fmt.Sprintf("Client with sender '%s' not found.", payload.Sender))
		return ingest.Receipt{}, false
	case err != nil:
		slog.ErrorContext(ctx, "Submission failed", slog.Any("error", err))
		writeError(ctx, w, http.StatusInternalServerError, "Internal error while storing the message.")
		return ingest.Receipt{}, false
	}
	return receipt, true
}

// handleSubmit handles POST /sms.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	receipt, ok := s.decodeSubmission(w, r)
	if !ok {
		return
	}
	writeJSON(r.Context(), w, http.StatusAccepted, map[string]any{
		"status":     "success",
		"message":    "SMS received and queued for processing.",
		"message_id": receipt.MessageID,
	})
}

// handleReceiveSMS handles the legacy POST /receive_sms shape, which answers
// with one receipt entry per expected segment.
func (s *Server) handleReceiveSMS(w http.ResponseWriter, r *http.Request) {
	receipt, ok := s.decodeSubmission(w, r)
	if !ok {
		return
	}
	parts := make([]partReceipt, 0, receipt.Estimate.Parts)
	for i := 1; i <= receipt.Estimate.Parts; i++ {
		parts = append(parts, partReceipt{Part: i, Status: "accepted", Encoding: receipt.Estimate.Encoding})
	}
	writeJSON(r.Context(), w, http.StatusAccepted, map[string]any{
		"status":     "success",
		"message":    "SMS received and queued for processing.",
		"message_id": receipt.MessageID,
		"parts":      parts,
	})
}

type dlrHTTPRequest struct {
	ProviderMessageID string      `json:"provider_message_id"`
	MsgID             string      `json:"msgid"`
	Event             string      `json:"event"`
	ErrorCode         looseString `json:"error_code"`
	ErrorMessage      string      `json:"error_message"`
	PartCount         int         `json:"part_count"`
	PartIndex         int         `json:"part_index"`
}

// looseString accepts carrier error codes sent as either strings or numbers.
type looseString string

func (l *looseString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*l = looseString(s)
		return nil
	}
	*l = looseString(b)
	return nil
}

func (d dlrHTTPRequest) report() reconcile.Report {
	id := d.ProviderMessageID
	if id == "" {
		id = d.MsgID
	}
	return reconcile.Report{
		ProviderMessageID: id,
		Event:             d.Event,
		ErrorCode:         string(d.ErrorCode),
		ErrorMessage:      d.ErrorMessage,
		PartCount:         d.PartCount,
		PartIndex:         d.PartIndex,
	}
}

func parseDLR(w http.ResponseWriter, r *http.Request) (reconcile.Report, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var payload dlrHTTPRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&payload); err != nil {
			return reconcile.Report{}, err
		}
		return payload.report(), nil
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		return reconcile.Report{}, err
	}
	payload := dlrHTTPRequest{
		ProviderMessageID: r.Form.Get("provider_message_id"),
		MsgID:             r.Form.Get("msgid"),
		Event:             r.Form.Get("event"),
		ErrorCode:         looseString(r.Form.Get("error_code")),
		ErrorMessage:      r.Form.Get("error_message"),
	}
	payload.PartCount, _ = strconv.Atoi(r.Form.Get("part_count"))
	payload.PartIndex, _ = strconv.Atoi(r.Form.Get("part_index"))
	return payload.report(), nil
}

// handleDLR handles POST /webhook/dlr from the carrier.
func (s *Server) handleDLR(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	report, err := parseDLR(w, r)
	if err != nil {
		slog.WarnContext(ctx, "Failed to parse delivery report", slog.Any("error", err))
		writeError(ctx, w, http.StatusBadRequest, "Bad Request: unreadable delivery report")
		return
	}
	ctx = logging.ContextWithProviderID(ctx, strings.TrimSpace(report.ProviderMessageID))

	_, err = s.reports.HandleReport(ctx, report)
	switch {
	case errors.Is(err, reconcile.ErrInvalid):
		writeError(ctx, w, http.StatusBadRequest, err.Error())
	case errors.Is(err, model.ErrNotFound):
		writeError(ctx, w, http.StatusNotFound, "Unknown provider message id.")
	case err != nil:
		slog.ErrorContext(ctx, "Delivery report processing failed", slog.Any("error", err))
		writeError(ctx, w, http.StatusInternalServerError, "Internal error while applying the report.")
	default:
		writeJSON(ctx, w, http.StatusOK, map[string]string{"status": "success"})
	}
}
