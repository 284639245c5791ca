package smtp

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// Encryption selects the transport security of the SMTP dialer.
type Encryption string

const (
	EncryptionNone        Encryption = "none"
	EncryptionStartTLS    Encryption = "starttls"
	EncryptionImplicitSSL Encryption = "implicit_ssl"
)

// DeliveryStatus is the terminal classification of a send attempt.
type DeliveryStatus string

const (
	StatusSuccess    DeliveryStatus = "success"
	StatusFailed     DeliveryStatus = "failed"
	StatusInvalid    DeliveryStatus = "invalid"
	StatusRejected   DeliveryStatus = "rejected"
	StatusTempFailed DeliveryStatus = "temp_failed"
	// StatusRetry marks a delivery a caller has queued for another run
	// after a temp_failed result.
	StatusRetry DeliveryStatus = "retry"
)

// Message is an outbound email before MIME assembly. At least one of
// TextBody and HTMLBody must be set; recipients are the union of To, Cc
// and Bcc.
type Message struct {
	From        string       `json:"from"`
	FromName    string       `json:"fromName,omitempty"`
	To          []string     `json:"to"`
	Cc          []string     `json:"cc,omitempty"`
	Bcc         []string     `json:"bcc,omitempty"`
	ReplyTo     string       `json:"replyTo,omitempty"`
	Subject     string       `json:"subject"`
	TextBody    string       `json:"textBody,omitempty"`
	HTMLBody    string       `json:"htmlBody,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Headers     map[string]string
}

// Recipients returns the union of To, Cc and Bcc in order.
func (m *Message) Recipients() []string {
	out := make([]string, 0, len(m.To)+len(m.Cc)+len(m.Bcc))
	out = append(out, m.To...)
	out = append(out, m.Cc...)
	out = append(out, m.Bcc...)
	return out
}

// Attachment is a decoded file ready to be attached to a message.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// AttachmentFromBase64 decodes base64 content into an attachment. The
// content type defaults to application/octet-stream.
func AttachmentFromBase64(filename, contentType, content string) (Attachment, error) {
	data, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return Attachment{}, fmt.Errorf("decoding attachment %s: %w", filename, err)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return Attachment{Filename: filename, ContentType: contentType, Data: data}, nil
}

// AttachmentFromFile reads a file from disk into an attachment, sniffing
// the content type when none is given.
func AttachmentFromFile(path, contentType string) (Attachment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Attachment{}, fmt.Errorf("reading attachment %s: %w", path, err)
	}
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return Attachment{Filename: filepath.Base(path), ContentType: contentType, Data: data}, nil
}

// DeliveryResult reports the outcome of SendMessage. Code is the last SMTP
// reply code when one was received; RecipientFailures itemizes refused
// addresses with the server's reason.
type DeliveryResult struct {
	Status            DeliveryStatus    `json:"status"`
	MessageID         string            `json:"messageId,omitempty"`
	Code              int               `json:"code,omitempty"`
	ErrorText         string            `json:"error,omitempty"`
	RecipientFailures map[string]string `json:"recipientFailures,omitempty"`
	SentAt            *time.Time        `json:"sentAt,omitempty"`
	RetryCount        int               `json:"retryCount"`
	Retryable         bool              `json:"retryable"`
}

// ToMap flattens the result for transport or logging. Unset optional
// fields are omitted entirely rather than carried as zero values.
func (r DeliveryResult) ToMap() map[string]any {
	out := map[string]any{
		"status":     string(r.Status),
		"retryCount": r.RetryCount,
		"retryable":  r.Retryable,
	}
	if r.MessageID != "" {
		out["messageId"] = r.MessageID
	}
	if r.Code != 0 {
		out["code"] = r.Code
	}
	if r.ErrorText != "" {
		out["error"] = r.ErrorText
	}
	if len(r.RecipientFailures) > 0 {
		failures := make(map[string]string, len(r.RecipientFailures))
		for addr, reason := range r.RecipientFailures {
			failures[addr] = reason
		}
		out["recipientFailures"] = failures
	}
	if r.SentAt != nil {
		out["sentAt"] = r.SentAt.Format(time.RFC3339Nano)
	}
	return out
}

// ResultFromMap is the inverse of ToMap. Missing optional keys stay unset.
func ResultFromMap(raw map[string]any) (DeliveryResult, error) {
	result := DeliveryResult{}
	status, ok := raw["status"].(string)
	if !ok {
		return result, fmt.Errorf("delivery result map has no status")
	}
	result.Status = DeliveryStatus(status)

	switch v := raw["retryCount"].(type) {
	case int:
		result.RetryCount = v
	case float64:
		result.RetryCount = int(v)
	}
	if v, ok := raw["retryable"].(bool); ok {
		result.Retryable = v
	}
	if v, ok := raw["messageId"].(string); ok {
		result.MessageID = v
	}
	switch v := raw["code"].(type) {
	case int:
		result.Code = v
	case float64:
		result.Code = int(v)
	}
	if v, ok := raw["error"].(string); ok {
		result.ErrorText = v
	}
	switch failures := raw["recipientFailures"].(type) {
	case map[string]string:
		result.RecipientFailures = failures
	case map[string]any:
		result.RecipientFailures = make(map[string]string, len(failures))
		for addr, reason := range failures {
			if text, ok := reason.(string); ok {
				result.RecipientFailures[addr] = text
			}
		}
	}
	if v, ok := raw["sentAt"].(string); ok {
		sentAt, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return result, fmt.Errorf("invalid sentAt %q: %w", v, err)
		}
		result.SentAt = &sentAt
	}
	return result, nil
}

func successResult(messageID string, retries int) DeliveryResult {
	now := time.Now().UTC()
	return DeliveryResult{
		Status:     StatusSuccess,
		MessageID:  messageID,
		SentAt:     &now,
		RetryCount: retries,
	}
}

func invalidResult(reason string) DeliveryResult {
	return DeliveryResult{Status: StatusInvalid, ErrorText: reason}
}
