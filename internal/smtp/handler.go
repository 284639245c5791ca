package smtp

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	gomail "github.com/wneessen/go-mail"
)

const maxSendAttempts = 3

// retryDelays holds the wait before each retry; the schedule is flat, not
// exponential, because transient SMTP refusals usually clear fast.
var retryDelays = []time.Duration{1 * time.Second, 5 * time.Second, 30 * time.Second}

// ProtocolHandler sends email through one SMTP server. Attempts run one at
// a time under the handler lock; every terminal state maps onto a
// DeliveryResult classification.
type ProtocolHandler struct {
	cfg    ServerConfig
	pool   *ConnectionPool
	logger zerolog.Logger

	sendMu sync.Mutex

	// sleep is a seam for tests.
	sleep func(time.Duration)
}

func NewProtocolHandler(cfg ServerConfig, pool *ConnectionPool, logger zerolog.Logger) (*ProtocolHandler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &ProtocolHandler{
		cfg:    cfg,
		pool:   pool,
		logger: logger.With().Str("server", cfg.Addr()).Logger(),
		sleep:  time.Sleep,
	}, nil
}

// Connect dials and authenticates once, pooling the session on success.
func (slf *ProtocolHandler) Connect() error {
	sess, err := slf.pool.Acquire(slf.cfg)
	if err != nil {
		return err
	}
	slf.pool.Put(slf.cfg, sess)
	return nil
}

// Authenticate verifies the configured credentials by dialing once. The
// probe session is pooled for the first real send.
func (slf *ProtocolHandler) Authenticate() error {
	return slf.Connect()
}

// TestConnection probes the server and, when given an address, asks it to
// verify the mailbox. Servers that refuse VRFY still count as reachable.
func (slf *ProtocolHandler) TestConnection(addr string) error {
	sess, err := slf.pool.Acquire(slf.cfg)
	if err != nil {
		return err
	}
	defer slf.pool.Put(slf.cfg, sess)

	if addr == "" {
		return sess.Noop()
	}
	if err := sess.Verify(addr); err != nil {
		var smtpErr *smtp.SMTPError
		if errors.As(err, &smtpErr) {
			// VRFY is commonly disabled (252/502); the connection works.
			return nil
		}
		return err
	}
	return nil
}

// SendMessage validates, assembles and transmits the message, retrying
// transient failures up to three attempts. The result carries the final
// classification, the generated Message-ID on success and per-recipient
// reasons when the server refused addresses.
func (slf *ProtocolHandler) SendMessage(msg *Message) DeliveryResult {
	return slf.send(msg, maxSendAttempts)
}

// SendMessageOnce is SendMessage with retries disabled. Transient failures
// are reported after the single attempt instead of being retried.
func (slf *ProtocolHandler) SendMessageOnce(msg *Message) DeliveryResult {
	return slf.send(msg, 1)
}

func (slf *ProtocolHandler) send(msg *Message, maxAttempts int) DeliveryResult {
	if err := ValidateMessage(msg); err != nil {
		slf.logger.Warn().Err(err).Msg("Rejecting invalid message")
		return invalidResult(err.Error())
	}

	messageID := generateMessageID(msg.From)
	mime, err := buildMIME(msg, messageID)
	if err != nil {
		slf.logger.Error().Err(err).Msg("MIME assembly failed")
		return invalidResult(fmt.Sprintf("assembling message: %v", err))
	}

	var last sendError
	retries := 0
	for attempt := 0; attempt < maxAttempts; attempt++ {
		slf.sendMu.Lock()
		serr := slf.attempt(msg, mime)
		slf.sendMu.Unlock()

		if serr == nil {
			slf.logger.Info().
				Str("messageId", messageID).
				Int("recipients", len(msg.Recipients())).
				Int("retryCount", attempt).
				Msg("Message sent")
			return successResult(messageID, attempt)
		}

		last = *serr
		retries = attempt
		if !serr.transient {
			break
		}
		slf.logger.Warn().
			Int("attempt", attempt+1).
			Int("code", serr.code).
			Err(serr.err).
			Msg("Transient delivery failure")
		if attempt < maxAttempts-1 {
			slf.sleep(retryDelays[attempt])
		}
	}

	return slf.classify(last, retries)
}

// sendError is one failed transmission attempt.
type sendError struct {
	code      int
	transient bool
	failures  map[string]string
	err       error
}

// classify turns the last failed attempt into a terminal result. retries is
// the zero-based index of that attempt so every outcome reports how many
// retries preceded it.
func (slf *ProtocolHandler) classify(serr sendError, retries int) DeliveryResult {
	switch {
	case serr.transient:
		return DeliveryResult{
			Status:     StatusTempFailed,
			Code:       serr.code,
			ErrorText:  serr.err.Error(),
			RetryCount: retries,
			Retryable:  true,
		}
	case len(serr.failures) > 0:
		return DeliveryResult{
			Status:            StatusRejected,
			Code:              serr.code,
			ErrorText:         "recipients refused by server",
			RecipientFailures: serr.failures,
			RetryCount:        retries,
		}
	default:
		return DeliveryResult{
			Status:     StatusFailed,
			Code:       serr.code,
			ErrorText:  serr.err.Error(),
			RetryCount: retries,
		}
	}
}

// attempt performs one full transmission on a pooled session. A nil return
// means the server accepted the message.
func (slf *ProtocolHandler) attempt(msg *Message, mime []byte) *sendError {
	sess, err := slf.pool.Acquire(slf.cfg)
	if err != nil {
		return &sendError{transient: true, err: err}
	}

	serr := transmit(sess, msg, mime)
	if serr == nil {
		slf.pool.Put(slf.cfg, sess)
		return nil
	}

	// Sessions that refused recipients were reset and stay usable; anything
	// else is in an unknown protocol state and gets dropped.
	if len(serr.failures) > 0 {
		slf.pool.Put(slf.cfg, sess)
	} else {
		slf.pool.Discard(slf.cfg, sess)
	}
	return serr
}

func transmit(sess session, msg *Message, mime []byte) *sendError {
	if err := sess.Mail(msg.From); err != nil {
		code, transient := classifySMTPError(err)
		if transient {
			return &sendError{code: code, transient: true, err: err}
		}
		return &sendError{
			code:     code,
			failures: map[string]string{msg.From: err.Error()},
			err:      fmt.Errorf("sender refused: %w", err),
		}
	}

	failures := make(map[string]string)
	lastCode := 0
	for _, addr := range msg.Recipients() {
		if err := sess.Rcpt(addr); err != nil {
			code, transient := classifySMTPError(err)
			if transient {
				_ = sess.Reset()
				return &sendError{code: code, transient: true, err: err}
			}
			failures[addr] = fmt.Sprintf("%d %s", code, smtpErrorText(err))
			lastCode = code
		}
	}
	if len(failures) > 0 {
		_ = sess.Reset()
		return &sendError{code: lastCode, failures: failures, err: errors.New("recipients refused")}
	}

	wc, err := sess.Data()
	if err != nil {
		code, transient := classifySMTPError(err)
		return &sendError{code: code, transient: transient, err: err}
	}
	if _, err := wc.Write(mime); err != nil {
		_ = wc.Close()
		return &sendError{transient: true, err: err}
	}
	if err := wc.Close(); err != nil {
		code, transient := classifySMTPError(err)
		return &sendError{code: code, transient: transient, err: err}
	}
	return nil
}

// classifySMTPError extracts the reply code and decides whether the error
// is worth retrying. Codes 421, 450, 451 and 452 are transient per RFC
// 5321; non-protocol errors are treated as network trouble and retried.
func classifySMTPError(err error) (int, bool) {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		switch smtpErr.Code {
		case 421, 450, 451, 452:
			return smtpErr.Code, true
		default:
			return smtpErr.Code, false
		}
	}
	return 0, true
}

func smtpErrorText(err error) string {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return smtpErr.Message
	}
	return err.Error()
}

func generateMessageID(from string) string {
	domain := "localhost"
	if i := strings.LastIndex(from, "@"); i >= 0 && i < len(from)-1 {
		domain = from[i+1:]
	}
	return fmt.Sprintf("%s@%s", uuid.NewString(), domain)
}

// buildMIME renders the message into wire format with go-mail. Text and
// HTML bodies become multipart/alternative; attachments ride base64.
func buildMIME(msg *Message, messageID string) ([]byte, error) {
	m := gomail.NewMsg()

	if msg.FromName != "" {
		if err := m.FromFormat(msg.FromName, msg.From); err != nil {
			return nil, fmt.Errorf("setting sender: %w", err)
		}
	} else if err := m.From(msg.From); err != nil {
		return nil, fmt.Errorf("setting sender: %w", err)
	}
	if err := m.To(msg.To...); err != nil {
		return nil, fmt.Errorf("setting recipients: %w", err)
	}
	if len(msg.Cc) > 0 {
		if err := m.Cc(msg.Cc...); err != nil {
			return nil, fmt.Errorf("setting cc: %w", err)
		}
	}
	if len(msg.Bcc) > 0 {
		if err := m.Bcc(msg.Bcc...); err != nil {
			return nil, fmt.Errorf("setting bcc: %w", err)
		}
	}
	if msg.ReplyTo != "" {
		if err := m.ReplyTo(msg.ReplyTo); err != nil {
			return nil, fmt.Errorf("setting reply-to: %w", err)
		}
	}

	m.Subject(msg.Subject)
	m.SetMessageIDWithValue(messageID)
	m.SetDate()

	switch {
	case msg.TextBody != "" && msg.HTMLBody != "":
		m.SetBodyString(gomail.TypeTextPlain, msg.TextBody)
		m.AddAlternativeString(gomail.TypeTextHTML, msg.HTMLBody)
	case msg.HTMLBody != "":
		m.SetBodyString(gomail.TypeTextHTML, msg.HTMLBody)
	default:
		m.SetBodyString(gomail.TypeTextPlain, msg.TextBody)
	}

	for key, value := range msg.Headers {
		m.SetGenHeader(gomail.Header(key), value)
	}

	for _, att := range msg.Attachments {
		err := m.AttachReader(att.Filename, bytes.NewReader(att.Data),
			gomail.WithFileContentType(gomail.ContentType(att.ContentType)))
		if err != nil {
			return nil, fmt.Errorf("attaching %s: %w", att.Filename, err)
		}
	}

	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("writing message: %w", err)
	}
	return buf.Bytes(), nil
}

// HandlerStats describes the handler's server and pool activity.
type HandlerStats struct {
	Server     string     `json:"server"`
	Encryption Encryption `json:"encryption"`
	Pool       PoolStats  `json:"pool"`
}

// Stats exposes the server identity and pool counters for diagnostics.
func (slf *ProtocolHandler) Stats() HandlerStats {
	return HandlerStats{
		Server:     slf.cfg.Addr(),
		Encryption: slf.cfg.Encryption,
		Pool:       slf.pool.Stats(slf.cfg),
	}
}

// Close drops every pooled session for this handler's pool.
func (slf *ProtocolHandler) Close() {
	slf.pool.CloseAll()
}
