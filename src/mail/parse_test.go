package mail

import (
	"strings"
	"testing"

	"git.handmade.network/hmn/heapkeeper/src/oops"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func crlf(s string) string {
	return strings.ReplaceAll(s, "\n", "\r\n")
}

func TestParseMessage(t *testing.T) {
	t.Run("plain", func(t *testing.T) {
		raw := crlf(`From: Ann Example <ann@example.com>
To: hk@heaps.example.com, "Other" <misc@heaps.example.com>
Cc: meta@heaps.example.com
Subject: [bug] Crash on save
Message-ID: <1@example.com>
In-Reply-To: <0@example.com>

First line
second line
`)
		in, err := ParseMessage(strings.NewReader(raw))
		require.NoError(t, err)

		expected := &Inbound{
			From:      "Ann Example <ann@example.com>",
			To:        []string{"hk@heaps.example.com", "misc@heaps.example.com", "meta@heaps.example.com"},
			Subject:   "[bug] Crash on save",
			MessageID: "<1@example.com>",
			InReplyTo: "<0@example.com>",
			Body:      "First line\nsecond line\n",
		}
		if diff := cmp.Diff(expected, in); diff != "" {
			t.Errorf("parsed mail mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("encoded headers and latin-1 quoted-printable body", func(t *testing.T) {
		raw := crlf(`From: =?UTF-8?B?w4Frb3M=?= <akos@example.com>
To: hk@example.com
Subject: =?ISO-8859-1?Q?=C9rdekes?=
Content-Type: text/plain; charset=ISO-8859-1
Content-Transfer-Encoding: quoted-printable

=C1rv=EDz t=FCk=F6r=A0ok
`)
		in, err := ParseMessage(strings.NewReader(raw))
		require.NoError(t, err)
		assert.Equal(t, "Ákos <akos@example.com>", in.From)
		assert.Equal(t, "Érdekes", in.Subject)
		assert.Equal(t, "Árvíz tükör ok\n", in.Body)
	})

	t.Run("base64 body", func(t *testing.T) {
		raw := crlf(`From: ann@example.com
To: hk@example.com
Subject: b64
Content-Type: text/plain; charset=utf-8
Content-Transfer-Encoding: base64

aGVsbG8NCndvcmxk
`)
		in, err := ParseMessage(strings.NewReader(raw))
		require.NoError(t, err)
		assert.Equal(t, "hello\nworld", in.Body)
	})

	t.Run("multipart takes the plain text part", func(t *testing.T) {
		raw := crlf(`From: ann@example.com
To: hk@example.com
Subject: alternatives
MIME-Version: 1.0
Content-Type: multipart/alternative; boundary="XYZ"

--XYZ
Content-Type: text/html; charset=utf-8

<p>html</p>
--XYZ
Content-Type: text/plain; charset=utf-8

plain text
--XYZ--
`)
		in, err := ParseMessage(strings.NewReader(raw))
		require.NoError(t, err)
		assert.Equal(t, "plain text", in.Body)
	})

	t.Run("unknown transfer encoding is left alone", func(t *testing.T) {
		raw := crlf(`From: ann@example.com
To: hk@example.com
Subject: odd
Content-Transfer-Encoding: x-uuencode

raw body
`)
		in, err := ParseMessage(strings.NewReader(raw))
		require.NoError(t, err)
		assert.Equal(t, "raw body\n", in.Body)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := ParseMessage(strings.NewReader("this is not a mail"))
		assert.ErrorIs(t, err, oops.ErrValidation)
	})
}
