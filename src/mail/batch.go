package mail

import (
	"context"
	"fmt"
	"io"
	"os"

	"git.handmade.network/hmn/heapkeeper/src/logging"
	"git.handmade.network/hmn/heapkeeper/src/oops"
	"git.handmade.network/hmn/heapkeeper/src/store"
	"golang.org/x/time/rate"
)

type BatchOptions struct {
	// Recipients outside this domain are ignored. Empty keeps all of them.
	Domain string
	// Nil means no rate limit.
	Limiter *rate.Limiter
	// Where a line per delivery or skip is written. May be nil.
	Out io.Writer
}

type BatchResult struct {
	Files     int
	Delivered int
	Skipped   int
	// Files that could not be read or parsed.
	Failed []string
}

/*
Ingests one mail per path, "-" meaning stdin. Unreadable or unparseable
files are recorded and the batch carries on. Store failures and
cancellation stop the batch.
*/
func IngestFiles(ctx context.Context, s store.Store, paths []string, opts BatchOptions) (*BatchResult, error) {
	logger := logging.ExtractLogger(ctx)
	out := opts.Out
	if out == nil {
		out = io.Discard
	}

	result := &BatchResult{}
	for _, path := range paths {
		if opts.Limiter != nil {
			if err := opts.Limiter.Wait(ctx); err != nil {
				return result, oops.New(err, "ingestion interrupted")
			}
		}
		result.Files++

		in, err := readMailFile(path)
		if err != nil {
			logger.Warn().Err(err).Str("file", path).Msg("skipping unreadable mail")
			result.Failed = append(result.Failed, path)
			fmt.Fprintf(out, "%s: %v\n", path, err)
			continue
		}
		kept := RecipientsInDomain(in.To, opts.Domain)
		for _, rcpt := range outsideDomain(in.To, kept) {
			logger.Warn().Str("file", path).Str("recipient", rcpt).Str("domain", opts.Domain).Msg("recipient outside mail domain, not delivered")
			fmt.Fprintf(out, "%s: %s ignored: outside %s\n", path, rcpt, opts.Domain)
		}
		in.To = kept
		if len(in.To) == 0 {
			fmt.Fprintf(out, "%s: no recipients in %s\n", path, opts.Domain)
			continue
		}

		res, err := Ingest(ctx, s, *in)
		if res != nil {
			for _, d := range res.Delivered {
				fmt.Fprintf(out, "%s: %s -> heap %s, message %s, conversation %d\n", path, d.Recipient, d.Heap, d.MessageID, d.ConversationID)
			}
			for _, skip := range res.Skipped {
				fmt.Fprintf(out, "%s: %s skipped: %s\n", path, skip.Recipient, skip.Reason)
			}
			result.Delivered += len(res.Delivered)
			result.Skipped += len(res.Skipped)
		}
		if err != nil {
			return result, oops.New(err, "failed to ingest %s", path)
		}
	}
	return result, nil
}

func outsideDomain(all, kept []string) []string {
	inDomain := make(map[string]bool, len(kept))
	for _, rcpt := range kept {
		inDomain[rcpt] = true
	}
	var dropped []string
	for _, rcpt := range all {
		if !inDomain[rcpt] {
			dropped = append(dropped, rcpt)
		}
	}
	return dropped
}

func readMailFile(path string) (*Inbound, error) {
	if path == "-" {
		return ParseMessage(os.Stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, oops.New(err, "failed to open mail file")
	}
	defer f.Close()
	return ParseMessage(f)
}
