package mailer

import (
	"errors"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMailer_RequiresHostWhenEnabled(t *testing.T) {
	_, err := NewMailer(Config{Enabled: true, FromAddress: "noreply@example.com"})
	assert.Error(t, err)

	_, err = NewMailer(Config{Enabled: true, SMTPHost: "smtp.example.com"})
	assert.Error(t, err)

	m, err := NewMailer(Config{Enabled: false})
	require.NoError(t, err)
	assert.Equal(t, 587, m.config.SMTPPort)
}

func TestBuildMessage(t *testing.T) {
	m, err := NewMailer(Config{
		Enabled:     true,
		SMTPHost:    "smtp.example.com",
		FromAddress: "Training Garden <noreply@example.com>",
	})
	require.NoError(t, err)

	msg := string(m.buildMessage("alice@example.com",
		[]string{"lead@example.com", "director@example.com"},
		"OVERDUE: Fire Safety", "<p>body</p>"))

	assert.Contains(t, msg, "From: Training Garden <noreply@example.com>\r\n")
	assert.Contains(t, msg, "To: alice@example.com\r\n")
	assert.Contains(t, msg, "Cc: lead@example.com, director@example.com\r\n")
	assert.Contains(t, msg, "Subject: OVERDUE: Fire Safety\r\n")
	assert.Contains(t, msg, "Content-Type: text/html")
	assert.True(t, strings.HasSuffix(msg, "\r\n<p>body</p>"))
}

func TestBuildMessage_NoCC(t *testing.T) {
	m, err := NewMailer(Config{Enabled: false, FromAddress: "noreply@example.com"})
	require.NoError(t, err)

	msg := string(m.buildMessage("alice@example.com", nil, "subject", "body"))
	assert.NotContains(t, msg, "Cc:")
}

func TestExtractEmail(t *testing.T) {
	assert.Equal(t, "a@example.com", extractEmail("a@example.com"))
	assert.Equal(t, "a@example.com", extractEmail("Alice <a@example.com>"))
	assert.Equal(t, "broken <", extractEmail("broken <"))
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(errors.New("550 mailbox not found")))

	var netErr net.Error = timeoutError{}
	assert.True(t, IsRetryable(netErr))
	assert.True(t, IsRetryable(&net.OpError{Op: "dial", Err: errors.New("connection refused")}))
	assert.True(t, IsRetryable(errors.New("421 service not available")))
	assert.True(t, IsRetryable(errors.New("451 local error in processing")))
	assert.True(t, IsRetryable(errors.New("552 mailbox full")))
}

func TestRateLimiterConfigured(t *testing.T) {
	m, err := NewMailer(Config{Enabled: false, RatePerSecond: 2})
	require.NoError(t, err)
	require.NotNil(t, m.limiter)

	assert.InDelta(t, 2, float64(m.limiter.Limit()), 0.01)
}
