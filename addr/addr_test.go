package addr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtract_MailFromWithExtension(t *testing.T) {
	got, ok := Extract("MAIL FROM:<a@b.c> SIZE=123")
	require.True(t, ok)
	require.Equal(t, "a@b.c", got)
}

func TestExtract_RcptTo(t *testing.T) {
	got, ok := Extract("RCPT TO:<Alice@Example.ORG>")
	require.True(t, ok)
	require.Equal(t, "alice@example.org", got)
}

func TestExtract_BareAddress(t *testing.T) {
	got, ok := Extract("user@example.org")
	require.True(t, ok)
	require.Equal(t, "user@example.org", got)
}

func TestExtract_FromHeaderWithDisplayName(t *testing.T) {
	got, ok := Extract("Alice Example <alice@example.org>")
	require.True(t, ok)
	require.Equal(t, "alice@example.org", got)
}

func TestExtract_Invalid(t *testing.T) {
	_, ok := Extract("not an address")
	require.False(t, ok)
}

func TestExtract_Empty(t *testing.T) {
	_, ok := Extract("")
	require.False(t, ok)
}
