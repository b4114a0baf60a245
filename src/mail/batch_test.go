package mail

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"git.handmade.network/hmn/heapkeeper/src/logging"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func writeMail(t *testing.T, dir, name, contents string) string {
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

func TestIngestFiles(t *testing.T) {
	f := newIngestFixture(t)
	dir := t.TempDir()

	first := writeMail(t, dir, "1.eml", "From: Ann <ann@example.com>\r\n"+
		"To: hk@heaps.example.com, inner@heaps.example.com, friend@elsewhere.org\r\n"+
		"Subject: [plans] Lunch\r\n"+
		"Message-ID: <lunch@example.com>\r\n"+
		"\r\n"+
		"Who is in?\r\n")
	elsewhere := writeMail(t, dir, "2.eml", "From: someone@elsewhere.org\r\n"+
		"To: friend@elsewhere.org\r\n"+
		"Subject: Not for us\r\n"+
		"\r\n"+
		"Hi\r\n")
	garbage := writeMail(t, dir, "3.eml", "this is not a mail")
	missing := filepath.Join(dir, "missing.eml")

	var out, logs bytes.Buffer
	logger := zerolog.New(&logs)
	ctx := logging.AttachLoggerToContext(&logger, f.ctx)
	res, err := IngestFiles(ctx, f.store, []string{first, elsewhere, garbage, missing}, BatchOptions{
		Domain:  "heaps.example.com",
		Limiter: rate.NewLimiter(rate.Inf, 1),
		Out:     &out,
	})
	require.NoError(t, err)

	assert.Equal(t, 4, res.Files)
	assert.Equal(t, 1, res.Delivered, "only the public heap takes mail from ann")
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, []string{garbage, missing}, res.Failed)
	assert.Contains(t, out.String(), "hk@heaps.example.com -> heap hk")
	assert.Contains(t, out.String(), "inner@heaps.example.com skipped: sender may not post to this heap")
	assert.Contains(t, out.String(), "no recipients in heaps.example.com")
	assert.Contains(t, out.String(), first+": friend@elsewhere.org ignored: outside heaps.example.com")
	assert.Contains(t, out.String(), elsewhere+": friend@elsewhere.org ignored: outside heaps.example.com")
	assert.NotContains(t, out.String(), "hk@heaps.example.com ignored")

	// One warning per dropped recipient, none for the ones kept.
	warnings := strings.Count(logs.String(), "recipient outside mail domain")
	assert.Equal(t, 2, warnings)
	assert.Contains(t, logs.String(), `"recipient":"friend@elsewhere.org"`)
	assert.NotContains(t, logs.String(), `"recipient":"inner@heaps.example.com"`)
}

func TestIngestFilesCanceled(t *testing.T) {
	f := newIngestFixture(t)
	ctx, cancel := context.WithCancel(f.ctx)
	cancel()

	res, err := IngestFiles(ctx, f.store, []string{"-"}, BatchOptions{
		Limiter: rate.NewLimiter(1, 1),
	})
	assert.Error(t, err)
	assert.Zero(t, res.Files)
}
