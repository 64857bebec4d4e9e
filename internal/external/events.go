package external

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"courier/internal/types"
)

// Provider event vocabularies. Types not listed are ignored. SENT is never
// taken from a webhook: the dispatcher records it with the send context.
var (
	resendEventTypes = map[string]types.EventType{
		"email.delivered":        types.EventDelivered,
		"email.delivery_delayed": types.EventDelayed,
		"email.bounced":          types.EventBounce,
		"email.complained":       types.EventComplaint,
		"email.opened":           types.EventOpen,
		"email.clicked":          types.EventClick,
	}

	postmarkRecordTypes = map[string]types.EventType{
		"Delivery":           types.EventDelivered,
		"Bounce":             types.EventBounce,
		"SpamComplaint":      types.EventComplaint,
		"Open":               types.EventOpen,
		"Click":              types.EventClick,
		"SubscriptionChange": types.EventUnsubscribe,
	}

	sesEventTypes = map[string]types.EventType{
		"Delivery":      types.EventDelivered,
		"DeliveryDelay": types.EventDelayed,
		"Bounce":        types.EventBounce,
		"Complaint":     types.EventComplaint,
		"Open":          types.EventOpen,
		"Click":         types.EventClick,
	}
)

func invalidEvent(provider types.ProviderKind, err error) error {
	return types.NewAppError(types.ErrCodeValidationInvalidEvent,
		fmt.Sprintf("malformed %s webhook payload", provider), err)
}

// parseEventTime accepts RFC3339 with or without fractional seconds and
// falls back to now.
func parseEventTime(raw string) time.Time {
	if raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			return t.UTC()
		}
		if t, err := time.Parse("2006-01-02T15:04:05.000Z", raw); err == nil {
			return t.UTC()
		}
	}
	return time.Now().UTC()
}

// --- Resend ---

type resendWebhook struct {
	Type      string `json:"type"`
	CreatedAt string `json:"created_at"`
	Data      struct {
		EmailID   string          `json:"email_id"`
		ID        string          `json:"id"`
		To        json.RawMessage `json:"to"`
		Email     string          `json:"email"`
		Subject   string          `json:"subject"`
		CreatedAt string          `json:"created_at"`
		Bounce    *struct {
			Type    string `json:"type"`
			SubType string `json:"subType"`
			Message string `json:"message"`
		} `json:"bounce"`
		BounceType   string            `json:"bounce_type"`
		BounceReason string            `json:"bounce_reason"`
		FeedbackType string            `json:"feedback_type"`
		Tags         map[string]string `json:"tags"`
		Click        *struct {
			Link      string `json:"link"`
			UserAgent string `json:"userAgent"`
			IPAddress string `json:"ipAddress"`
		} `json:"click"`
	} `json:"data"`
}

// firstAddress decodes `to` which Resend sends either as a string or a list.
func firstAddress(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		if len(list) > 0 {
			return list[0]
		}
		return ""
	}
	var s string
	_ = json.Unmarshal(raw, &s)
	return s
}

func parseResendEvent(raw []byte) (*types.CanonicalEvent, error) {
	var w resendWebhook
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, invalidEvent(types.ProviderResend, err)
	}
	et, ok := resendEventTypes[w.Type]
	if !ok {
		return nil, nil
	}

	ev := &types.CanonicalEvent{
		Type:      et,
		MessageID: w.Data.EmailID,
		Email:     firstAddress(w.Data.To),
		Provider:  types.ProviderResend,
		Metadata:  map[string]any{"resendType": w.Type},
		Raw:       raw,
	}
	if ev.MessageID == "" {
		ev.MessageID = w.Data.ID
	}
	if ev.Email == "" {
		ev.Email = w.Data.Email
	}
	ts := w.CreatedAt
	if ts == "" {
		ts = w.Data.CreatedAt
	}
	ev.OccurredAt = parseEventTime(ts)

	switch et {
	case types.EventBounce:
		kind, reason := w.Data.BounceType, w.Data.BounceReason
		if w.Data.Bounce != nil {
			kind = w.Data.Bounce.Type
			if w.Data.Bounce.Message != "" {
				reason = w.Data.Bounce.Message
			}
		}
		ev.BounceType = types.ClassifyBounce(kind)
		ev.Reason = reason
	case types.EventComplaint:
		ev.Reason = w.Data.FeedbackType
	case types.EventClick:
		if w.Data.Click != nil {
			ev.Metadata["link"] = w.Data.Click.Link
		}
	}
	if len(w.Data.Tags) > 0 {
		ev.Metadata["tags"] = w.Data.Tags
	}
	if ev.MessageID == "" {
		return nil, invalidEvent(types.ProviderResend, fmt.Errorf("missing email_id"))
	}
	return ev, nil
}

// --- Postmark ---

type postmarkWebhook struct {
	RecordType      string            `json:"RecordType"`
	MessageID       string            `json:"MessageID"`
	Recipient       string            `json:"Recipient"`
	Email           string            `json:"Email"`
	Type            string            `json:"Type"`
	TypeCode        int               `json:"TypeCode"`
	Description     string            `json:"Description"`
	Details         string            `json:"Details"`
	Tag             string            `json:"Tag"`
	Metadata        map[string]string `json:"Metadata"`
	ServerID        int               `json:"ServerID"`
	MessageStream   string            `json:"MessageStream"`
	DeliveredAt     string            `json:"DeliveredAt"`
	BouncedAt       string            `json:"BouncedAt"`
	ReceivedAt      string            `json:"ReceivedAt"`
	ChangedAt       string            `json:"ChangedAt"`
	OriginalLink    string            `json:"OriginalLink"`
	SuppressSending *bool             `json:"SuppressSending"`
}

// postmarkBounceType maps Postmark's bounce Type/TypeCode. TypeCode 1 and the
// HardBounce/BadEmailAddress types are permanent; DNS and transient codes are
// transient; everything else is soft.
func postmarkBounceType(typ string, code int) types.BounceType {
	switch {
	case code == 1, typ == "HardBounce", typ == "BadEmailAddress":
		return types.BounceHard
	case code == 16, code == 256, code == 512, typ == "Transient", typ == "DnsError":
		return types.BounceTransient
	}
	return types.BounceSoft
}

func parsePostmarkEvent(raw []byte) (*types.CanonicalEvent, error) {
	var w postmarkWebhook
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, invalidEvent(types.ProviderPostmark, err)
	}
	et, ok := postmarkRecordTypes[w.RecordType]
	if !ok {
		return nil, nil
	}
	// A SubscriptionChange that re-enables sending is not an unsubscribe.
	if et == types.EventUnsubscribe && w.SuppressSending != nil && !*w.SuppressSending {
		return nil, nil
	}

	email := w.Recipient
	if email == "" {
		email = w.Email
	}
	ts := w.ReceivedAt
	for _, candidate := range []string{w.DeliveredAt, w.BouncedAt, w.ChangedAt} {
		if ts == "" {
			ts = candidate
		}
	}

	ev := &types.CanonicalEvent{
		Type:       et,
		MessageID:  w.MessageID,
		Email:      email,
		Provider:   types.ProviderPostmark,
		OccurredAt: parseEventTime(ts),
		Metadata: map[string]any{
			"recordType": w.RecordType,
			"serverId":   w.ServerID,
		},
		Raw: raw,
	}
	if w.Tag != "" {
		ev.Metadata["tag"] = w.Tag
	}
	if w.MessageStream != "" {
		ev.Metadata["messageStream"] = w.MessageStream
	}
	if len(w.Metadata) > 0 {
		ev.Metadata["metadata"] = w.Metadata
	}

	switch et {
	case types.EventBounce:
		ev.BounceType = postmarkBounceType(w.Type, w.TypeCode)
		ev.Reason = w.Description
		if ev.Reason == "" {
			ev.Reason = w.Details
		}
	case types.EventComplaint:
		ev.Reason = w.Type
	case types.EventClick:
		ev.Metadata["link"] = w.OriginalLink
	}
	if ev.MessageID == "" {
		return nil, invalidEvent(types.ProviderPostmark, fmt.Errorf("missing MessageID"))
	}
	return ev, nil
}

// --- SES via SNS ---

// snsEnvelope is the SNS message wrapper around SES notifications.
type snsEnvelope struct {
	Type      string `json:"Type"`
	MessageID string `json:"MessageId"`
	TopicArn  string `json:"TopicArn"`
	Message   string `json:"Message"`
	Timestamp string `json:"Timestamp"`
}

type sesNotification struct {
	NotificationType string `json:"notificationType"`
	EventType        string `json:"eventType"`
	Bounce           *struct {
		BounceType        string `json:"bounceType"`
		BounceSubType     string `json:"bounceSubType"`
		Timestamp         string `json:"timestamp"`
		BouncedRecipients []struct {
			EmailAddress   string `json:"emailAddress"`
			Status         string `json:"status"`
			DiagnosticCode string `json:"diagnosticCode"`
		} `json:"bouncedRecipients"`
	} `json:"bounce"`
	Complaint *struct {
		ComplaintFeedbackType string `json:"complaintFeedbackType"`
		Timestamp             string `json:"timestamp"`
		ComplainedRecipients  []struct {
			EmailAddress string `json:"emailAddress"`
		} `json:"complainedRecipients"`
	} `json:"complaint"`
	Delivery *struct {
		Timestamp  string   `json:"timestamp"`
		Recipients []string `json:"recipients"`
	} `json:"delivery"`
	Click *struct {
		Link      string `json:"link"`
		Timestamp string `json:"timestamp"`
	} `json:"click"`
	Mail struct {
		MessageID   string   `json:"messageId"`
		Timestamp   string   `json:"timestamp"`
		Destination []string `json:"destination"`
	} `json:"mail"`
}

// sesBounceType maps SES Permanent/Transient/Undetermined bounce types.
func sesBounceType(bounceType string) types.BounceType {
	switch bounceType {
	case "Permanent":
		return types.BounceHard
	case "Transient":
		return types.BounceTransient
	}
	return types.BounceSoft
}

// parseSESEvent accepts an SNS notification carrying an SES event, or a bare
// SES event. SNS subscription handshakes and unknown types return (nil, nil).
func parseSESEvent(raw []byte) (*types.CanonicalEvent, error) {
	var env snsEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, invalidEvent(types.ProviderSES, err)
	}

	body := raw
	if env.Type != "" {
		if env.Type != "Notification" {
			return nil, nil
		}
		if env.Message == "" {
			return nil, invalidEvent(types.ProviderSES, fmt.Errorf("SNS Message field is empty"))
		}
		body = []byte(env.Message)
	}

	var n sesNotification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, invalidEvent(types.ProviderSES, err)
	}
	kind := n.EventType
	if kind == "" {
		kind = n.NotificationType
	}
	et, ok := sesEventTypes[kind]
	if !ok {
		return nil, nil
	}

	ev := &types.CanonicalEvent{
		Type:      et,
		MessageID: n.Mail.MessageID,
		Provider:  types.ProviderSES,
		Metadata:  map[string]any{"sesType": kind},
		Raw:       raw,
	}
	if len(n.Mail.Destination) > 0 {
		ev.Email = n.Mail.Destination[0]
	}
	ts := n.Mail.Timestamp

	switch et {
	case types.EventBounce:
		if n.Bounce == nil {
			return nil, invalidEvent(types.ProviderSES, fmt.Errorf("bounce notification missing bounce details"))
		}
		ev.BounceType = sesBounceType(n.Bounce.BounceType)
		ev.Reason = n.Bounce.BounceSubType
		if len(n.Bounce.BouncedRecipients) > 0 {
			r := n.Bounce.BouncedRecipients[0]
			ev.Email = r.EmailAddress
			if r.DiagnosticCode != "" {
				ev.Reason = r.DiagnosticCode
			}
		}
		ts = n.Bounce.Timestamp
	case types.EventComplaint:
		if n.Complaint == nil {
			return nil, invalidEvent(types.ProviderSES, fmt.Errorf("complaint notification missing complaint details"))
		}
		ev.Reason = n.Complaint.ComplaintFeedbackType
		if ev.Reason == "" {
			ev.Reason = "complaint"
		}
		if len(n.Complaint.ComplainedRecipients) > 0 {
			ev.Email = n.Complaint.ComplainedRecipients[0].EmailAddress
		}
		ts = n.Complaint.Timestamp
	case types.EventDelivered:
		if n.Delivery != nil {
			if len(n.Delivery.Recipients) > 0 {
				ev.Email = n.Delivery.Recipients[0]
			}
			ts = n.Delivery.Timestamp
		}
	case types.EventClick:
		if n.Click != nil {
			ev.Metadata["link"] = n.Click.Link
			ts = n.Click.Timestamp
		}
	}
	ev.OccurredAt = parseEventTime(ts)

	if ev.MessageID == "" {
		return nil, invalidEvent(types.ProviderSES, fmt.Errorf("missing mail.messageId"))
	}
	return ev, nil
}

// --- Generic canonical JSON ---

// genericWebhook is the provider-neutral payload accepted for SMTP relays
// and any sender that posts canonical events directly.
type genericWebhook struct {
	Type       string         `json:"type"`
	MessageID  string         `json:"messageId"`
	Email      string         `json:"email"`
	BounceType string         `json:"bounceType"`
	Reason     string         `json:"reason"`
	Timestamp  string         `json:"timestamp"`
	Metadata   map[string]any `json:"metadata"`
}

func parseGenericEvent(provider types.ProviderKind, raw []byte) (*types.CanonicalEvent, error) {
	var w genericWebhook
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, invalidEvent(provider, err)
	}
	et := types.EventType(strings.ToUpper(strings.TrimSpace(w.Type)))
	if !et.Valid() || et == types.EventSent {
		return nil, nil
	}
	if w.MessageID == "" {
		return nil, invalidEvent(provider, fmt.Errorf("missing messageId"))
	}
	ev := &types.CanonicalEvent{
		Type:       et,
		MessageID:  w.MessageID,
		Email:      w.Email,
		Provider:   provider,
		Reason:     w.Reason,
		OccurredAt: parseEventTime(w.Timestamp),
		Metadata:   w.Metadata,
		Raw:        raw,
	}
	if et == types.EventBounce {
		ev.BounceType = types.ClassifyBounce(w.BounceType)
	}
	return ev, nil
}
