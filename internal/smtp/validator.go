package smtp

import (
	"fmt"
	"strings"
)

const (
	maxRecipients     = 100
	maxAddressLen     = 254
	maxLocalPartLen   = 64
	maxSubjectLen     = 998
	maxBodySize       = 100 * 1024 * 1024
	maxAttachmentSize = 25 * 1024 * 1024
	maxTotalAttach    = 100 * 1024 * 1024
)

// ValidateMessage checks an outbound message before any network activity.
// It stops at the first problem and returns a reason suitable for an
// invalid delivery result.
func ValidateMessage(msg *Message) error {
	if err := validateAddress(msg.From); err != nil {
		return fmt.Errorf("sender: %w", err)
	}

	recipients := msg.Recipients()
	if len(recipients) == 0 {
		return fmt.Errorf("no recipients")
	}
	if len(recipients) > maxRecipients {
		return fmt.Errorf("too many recipients: %d (max %d)", len(recipients), maxRecipients)
	}
	for _, addr := range recipients {
		if err := validateAddress(addr); err != nil {
			return fmt.Errorf("recipient %s: %w", addr, err)
		}
	}

	if strings.TrimSpace(msg.Subject) == "" {
		return fmt.Errorf("subject is empty")
	}
	if len(msg.Subject) > maxSubjectLen {
		return fmt.Errorf("subject exceeds %d characters", maxSubjectLen)
	}

	if msg.TextBody == "" && msg.HTMLBody == "" {
		return fmt.Errorf("message has no body")
	}
	if len(msg.TextBody) > maxBodySize || len(msg.HTMLBody) > maxBodySize {
		return fmt.Errorf("body exceeds %d bytes", maxBodySize)
	}

	total := 0
	for _, att := range msg.Attachments {
		if att.Filename == "" {
			return fmt.Errorf("attachment without filename")
		}
		if len(att.Data) == 0 {
			return fmt.Errorf("attachment %s is empty", att.Filename)
		}
		if len(att.Data) > maxAttachmentSize {
			return fmt.Errorf("attachment %s exceeds %d bytes", att.Filename, maxAttachmentSize)
		}
		total += len(att.Data)
	}
	if total > maxTotalAttach {
		return fmt.Errorf("attachments exceed %d bytes in total", maxTotalAttach)
	}

	return nil
}

func validateAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("address is empty")
	}
	if len(addr) > maxAddressLen {
		return fmt.Errorf("address exceeds %d characters", maxAddressLen)
	}
	at := strings.Count(addr, "@")
	if at != 1 {
		return fmt.Errorf("address must contain exactly one @")
	}
	parts := strings.SplitN(addr, "@", 2)
	local, domain := parts[0], parts[1]
	if local == "" || len(local) > maxLocalPartLen {
		return fmt.Errorf("local part must be 1-%d characters", maxLocalPartLen)
	}
	if domain == "" || !strings.Contains(domain, ".") || strings.HasPrefix(domain, ".") || strings.HasSuffix(domain, ".") {
		return fmt.Errorf("domain %q is not valid", domain)
	}
	return nil
}
