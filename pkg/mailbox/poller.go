package mailbox

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"tapgate-hq/tapgate/pkg/gateway"
	"tapgate-hq/tapgate/pkg/telemetry/logging"
	"tapgate-hq/tapgate/pkg/telemetry/metrics"
)

// MailboxBackend is the slice of the backend client the poller needs.
type MailboxBackend interface {
	MailboxReceive(ctx context.Context, req any) (json.RawMessage, error)
}

// Sink delivers poller output to the client connection.
type Sink interface {
	// Send writes one protocol message to the client.
	Send(msg *ServerMessage) error

	// Ping checks client reachability with a heartbeat.
	Ping() error
}

// Poller streams backend mailbox messages to an authenticated client. It
// polls the backend receive endpoint on a fixed interval, forwards
// non-empty batches, heartbeats during quiet stretches, and ends the
// stream after a bounded silence.
type Poller struct {
	Backend        MailboxBackend
	Interval       time.Duration
	HeartbeatEvery int
	MaxEmptyPolls  int
	Logger         *logging.Logger
	Metrics        *metrics.Collector
}

// receiveRequest is the backend mailbox receive payload: the client's
// original init (with a pagination cursor merged in once known) plus its
// auth signature.
type receiveRequest struct {
	Init    json.RawMessage `json:"init"`
	AuthSig *AuthSig        `json:"auth_sig"`
}

// Run polls until a termination condition and always finishes with an eos
// message. It returns the number of messages delivered.
func (p *Poller) Run(ctx context.Context, init json.RawMessage, authSig *AuthSig, sink Sink) int {
	start := time.Now()
	messageCount := 0
	emptyPolls := 0
	lastMessageID := ""

	defer func() {
		p.Logger.Info("mailbox stream ended", "message_count", messageCount)
	}()

	for {
		reqInit, err := mergeCursor(init, lastMessageID)
		if err != nil {
			p.sendEOS(sink, &EOSPayload{Completed: false, Error: err.Error()})
			return messageCount
		}

		raw, err := p.Backend.MailboxReceive(ctx, &receiveRequest{Init: reqInit, AuthSig: authSig})
		if err != nil {
			// Network-level failures mean the backend (or our route to
			// it) is gone; stop quietly. Other errors are surfaced to
			// the client as a terminal eos.
			p.Metrics.MailboxPoll("error")
			if isNetworkError(err) {
				p.Logger.Warn("network error while streaming", "error", err)
				p.sendEOS(sink, p.completedEOS(messageCount, start))
				return messageCount
			}
			p.Logger.Error("mailbox receive failed", "error", err)
			p.sendEOS(sink, &EOSPayload{Completed: false, Error: err.Error()})
			return messageCount
		}

		messages, lastID := extractMessages(raw)
		if len(messages) > 0 {
			p.Metrics.MailboxPoll("messages")
			emptyPolls = 0
			messageCount += len(messages)
			if lastID != "" {
				lastMessageID = lastID
			}

			batch, err := json.Marshal(messages)
			if err != nil {
				p.sendEOS(sink, &EOSPayload{Completed: false, Error: "serialization error"})
				return messageCount
			}
			if err := sink.Send(&ServerMessage{Messages: batch}); err != nil {
				p.Logger.Warn("failed to deliver message batch", "error", err)
				return messageCount
			}
		} else {
			p.Metrics.MailboxPoll("empty")
			emptyPolls++

			if p.HeartbeatEvery > 0 && emptyPolls%p.HeartbeatEvery == 0 {
				if err := sink.Ping(); err != nil {
					p.Logger.Info("client unreachable, ending stream", "error", err)
					return messageCount
				}
			}
			if emptyPolls >= p.MaxEmptyPolls {
				p.Logger.Info("ending stream after sustained silence",
					"empty_polls", emptyPolls)
				p.sendEOS(sink, p.completedEOS(messageCount, start))
				return messageCount
			}
		}

		select {
		case <-ctx.Done():
			p.sendEOS(sink, p.completedEOS(messageCount, start))
			return messageCount
		case <-time.After(p.Interval):
		}
	}
}

func (p *Poller) completedEOS(messageCount int, start time.Time) *EOSPayload {
	return &EOSPayload{
		Completed:       true,
		MessageCount:    messageCount,
		DurationSeconds: time.Since(start).Seconds(),
	}
}

func (p *Poller) sendEOS(sink Sink, eos *EOSPayload) {
	if err := sink.Send(&ServerMessage{EOS: eos}); err != nil {
		p.Logger.Debug("failed to deliver eos", "error", err)
	}
}

// mergeCursor returns init with after_message_id set, or init unchanged
// when no cursor is known yet.
func mergeCursor(init json.RawMessage, lastMessageID string) (json.RawMessage, error) {
	if lastMessageID == "" {
		return init, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(init, &obj); err != nil {
		return nil, errors.New("init payload is not an object")
	}
	cursor, _ := json.Marshal(lastMessageID)
	obj["after_message_id"] = cursor
	return json.Marshal(obj)
}

// extractMessages pulls the message array out of a backend response. The
// array may sit under a messages key or be the whole response. The id of
// the last message is returned for pagination.
func extractMessages(raw json.RawMessage) ([]json.RawMessage, string) {
	var envelope struct {
		Messages []json.RawMessage `json:"messages"`
	}
	messages := envelope.Messages
	if err := json.Unmarshal(raw, &envelope); err == nil && len(envelope.Messages) > 0 {
		messages = envelope.Messages
	} else {
		var direct []json.RawMessage
		if err := json.Unmarshal(raw, &direct); err == nil {
			messages = direct
		}
	}

	if len(messages) == 0 {
		return nil, ""
	}

	var last struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(messages[len(messages)-1], &last)
	return messages, last.ID
}

// isNetworkError reports whether err is a connectivity failure rather
// than a backend-reported error.
func isNetworkError(err error) bool {
	var gwErr *gateway.Error
	if errors.As(err, &gwErr) {
		return gwErr.Type == gateway.ErrorTypeTimeout || gwErr.Type == gateway.ErrorTypeUnavailable
	}
	return errors.Is(err, context.DeadlineExceeded)
}
