package smtp

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validMessage() *Message {
	return &Message{
		From:     "sender@example.com",
		To:       []string{"one@example.com"},
		Subject:  "Hello",
		TextBody: "Hi there",
	}
}

func TestValidateMessageAccepts(t *testing.T) {
	require.NoError(t, ValidateMessage(validMessage()))

	// HTML-only body is enough.
	msg := validMessage()
	msg.TextBody = ""
	msg.HTMLBody = "<p>Hi</p>"
	require.NoError(t, ValidateMessage(msg))

	// Recipients may come entirely from Cc or Bcc.
	msg = validMessage()
	msg.To = nil
	msg.Bcc = []string{"hidden@example.com"}
	require.NoError(t, ValidateMessage(msg))
}

func TestValidateMessageRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Message)
		want   string
	}{
		{"missing sender", func(m *Message) { m.From = "" }, "sender"},
		{"two at signs", func(m *Message) { m.From = "a@b@example.com" }, "exactly one @"},
		{"domain without dot", func(m *Message) { m.To = []string{"user@localhost"} }, "domain"},
		{"no recipients", func(m *Message) { m.To = nil }, "no recipients"},
		{"empty subject", func(m *Message) { m.Subject = "   " }, "subject"},
		{"no body", func(m *Message) { m.TextBody = "" }, "no body"},
		{"attachment without filename", func(m *Message) {
			m.Attachments = []Attachment{{Data: []byte("x")}}
		}, "filename"},
		{"empty attachment", func(m *Message) {
			m.Attachments = []Attachment{{Filename: "a.txt"}}
		}, "empty"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			msg := validMessage()
			tc.mutate(msg)
			err := ValidateMessage(msg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestValidateMessageRecipientLimit(t *testing.T) {
	msg := validMessage()
	msg.To = nil
	for i := 0; i < maxRecipients; i++ {
		msg.To = append(msg.To, fmt.Sprintf("user%d@example.com", i))
	}
	require.NoError(t, ValidateMessage(msg))

	msg.Cc = []string{"one-too-many@example.com"}
	err := ValidateMessage(msg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too many recipients")
}

func TestValidateMessageAddressLengths(t *testing.T) {
	msg := validMessage()
	msg.To = []string{strings.Repeat("a", maxLocalPartLen+1) + "@example.com"}
	assert.Error(t, ValidateMessage(msg))

	msg = validMessage()
	msg.To = []string{"user@" + strings.Repeat("d", maxAddressLen) + ".com"}
	assert.Error(t, ValidateMessage(msg))

	msg = validMessage()
	msg.Subject = strings.Repeat("s", maxSubjectLen+1)
	assert.Error(t, ValidateMessage(msg))
}

func TestValidateMessageAttachmentLimits(t *testing.T) {
	msg := validMessage()
	msg.Attachments = []Attachment{{
		Filename: "big.bin",
		Data:     make([]byte, maxAttachmentSize+1),
	}}
	err := ValidateMessage(msg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "big.bin")

	// Five attachments just under the per-file cap blow the total cap.
	msg = validMessage()
	for i := 0; i < 5; i++ {
		msg.Attachments = append(msg.Attachments, Attachment{
			Filename: fmt.Sprintf("part%d.bin", i),
			Data:     make([]byte, maxAttachmentSize-1),
		})
	}
	err = ValidateMessage(msg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "total")
}
