package mail

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"git.handmade.network/hmn/heapkeeper/src/access"
	"git.handmade.network/hmn/heapkeeper/src/hkdata"
	"git.handmade.network/hmn/heapkeeper/src/logging"
	"git.handmade.network/hmn/heapkeeper/src/models"
	"git.handmade.network/hmn/heapkeeper/src/oops"
	"git.handmade.network/hmn/heapkeeper/src/store"
)

// Subject given to new conversations whose mail subject has nothing left
// after the labels are taken out.
const NoSubject = "(no subject)"

var senderAddressRegex = regexp.MustCompile(`[-._A-Za-z0-9]+@[-._A-Za-z0-9]+`)

type Delivery struct {
	Recipient       string
	Heap            string
	MessageID       models.MessageID
	ConversationID  int
	NewConversation bool
}

type Skip struct {
	Recipient string
	Reason    string
	Err       error
}

type IngestResult struct {
	Delivered []Delivery
	Skipped   []Skip
}

// Errors that only cost a single recipient its copy of the mail.
func isRecipientFailure(err error) bool {
	return oops.IsNotFound(err) ||
		oops.IsPermission(err) ||
		oops.IsCycle(err) ||
		errors.Is(err, oops.ErrValidation) ||
		errors.Is(err, oops.ErrIntegrityConflict)
}

/*
Files an inbound mail into every heap it is addressed to. Each recipient is
handled in its own transaction, so a failure for one recipient (unknown
heap, missing send right, duplicate delivery) is recorded in the result and
the others still go through. Any other error, such as the store going away,
stops ingestion and is returned along with what was delivered so far.
*/
func Ingest(ctx context.Context, s store.Store, in Inbound) (*IngestResult, error) {
	logger := logging.ExtractLogger(ctx).With().
		Str("from", in.From).
		Str("messageID", in.MessageID).
		Logger()

	result := &IngestResult{}
	for _, rcpt := range in.To {
		var delivery Delivery
		err := s.Tx(ctx, func(tx store.Tx) error {
			var err error
			delivery, err = deliver(ctx, tx, in, rcpt)
			return err
		})
		if err != nil {
			if !isRecipientFailure(err) {
				return result, err
			}
			skip := Skip{Recipient: rcpt, Reason: skipReason(err), Err: err}
			result.Skipped = append(result.Skipped, skip)
			logger.Warn().Err(err).Str("recipient", rcpt).Str("reason", skip.Reason).Msg("mail not delivered to recipient")
			continue
		}
		result.Delivered = append(result.Delivered, delivery)
		logger.Info().
			Str("heap", delivery.Heap).
			Stringer("message", delivery.MessageID).
			Bool("newConversation", delivery.NewConversation).
			Msg("mail delivered")
	}
	return result, nil
}

func skipReason(err error) string {
	switch {
	case oops.IsPermission(err):
		return "sender may not post to this heap"
	case oops.IsNotFound(err):
		return "no such heap"
	case oops.IsCycle(err):
		return "reply target is in a broken thread"
	case errors.Is(err, oops.ErrIntegrityConflict):
		return "already delivered"
	default:
		return "invalid mail"
	}
}

// The heap short name a recipient address points at.
func HeapName(recipient string) (string, bool) {
	at := strings.LastIndexByte(recipient, '@')
	if at <= 0 {
		return "", false
	}
	return recipient[:at], true
}

// Keeps the recipients in domain, or all of them if domain is empty.
func RecipientsInDomain(recipients []string, domain string) []string {
	if domain == "" {
		return recipients
	}
	var result []string
	for _, rcpt := range recipients {
		at := strings.LastIndexByte(rcpt, '@')
		if at >= 0 && strings.EqualFold(rcpt[at+1:], domain) {
			result = append(result, rcpt)
		}
	}
	return result
}

func deliver(ctx context.Context, tx store.Tx, in Inbound, rcpt string) (Delivery, error) {
	name, ok := HeapName(rcpt)
	if !ok {
		return Delivery{}, oops.New(oops.ErrValidation, "%q is not a mail address", rcpt)
	}
	heap, err := tx.GetHeapByShortName(ctx, name)
	if err != nil {
		return Delivery{}, err
	}

	if in.MessageID != "" {
		dup, err := findInHeap(ctx, tx, in.MessageID, heap.ID)
		if err != nil {
			return Delivery{}, err
		}
		if dup != nil {
			return Delivery{}, oops.New(oops.ErrIntegrityConflict, "mail %s was already delivered to heap %q", in.MessageID, heap.ShortName)
		}
	}

	author, err := resolveAuthor(ctx, tx, in.From)
	if err != nil {
		return Delivery{}, err
	}
	if err := access.CheckAccess(ctx, tx, author, heap, access.NeedPost); err != nil {
		return Delivery{}, err
	}

	var parent *models.MessageID
	if in.InReplyTo != "" {
		parent, err = findInHeap(ctx, tx, in.InReplyTo, heap.ID)
		if err != nil {
			return Delivery{}, err
		}
	}

	subject, labels := ParseSubject(in.Subject)
	post := hkdata.NewPost{
		Text: in.Body,
	}
	if !author.IsAnonymous() {
		post.AuthorID = &author.ID
	}
	if in.MessageID != "" {
		mailID := in.MessageID
		post.MailID = &mailID
	}

	delivery := Delivery{Recipient: rcpt, Heap: heap.ShortName}
	if parent == nil {
		if subject == "" {
			subject = NoSubject
		}
		msg, conv, err := hkdata.CreateRootMessage(ctx, tx, heap.ID, subject, labels, post)
		if err != nil {
			return Delivery{}, err
		}
		delivery.MessageID = msg.ID
		delivery.ConversationID = conv.ID
		delivery.NewConversation = true
		return delivery, nil
	}

	post.Labels = labels
	msg, err := hkdata.Reply(ctx, tx, *parent, post)
	if err != nil {
		return Delivery{}, err
	}
	conv, err := hkdata.ConversationOf(ctx, tx, msg.ID)
	if err != nil {
		return Delivery{}, err
	}
	delivery.MessageID = msg.ID
	delivery.ConversationID = conv.ID
	return delivery, nil
}

// Resolves the sender to a user by email address. Unknown senders post
// anonymously.
func resolveAuthor(ctx context.Context, tx store.Tx, from string) (*models.User, error) {
	address := senderAddressRegex.FindString(from)
	if address == "" {
		return nil, nil
	}
	user, err := tx.GetUserByEmail(ctx, address)
	if err != nil {
		if oops.IsNotFound(err) {
			return nil, nil
		}
		return nil, oops.New(err, "failed to look up sender")
	}
	return user, nil
}

// Finds the live message with the given Message-ID in a heap. Deleted
// messages are passed over, so a reply to one starts a new conversation.
func findInHeap(ctx context.Context, tx store.Tx, mailID string, heapID int) (*models.MessageID, error) {
	candidates, err := tx.FindMessagesByMailID(ctx, mailID)
	if err != nil {
		return nil, oops.New(err, "failed to look up mail %s", mailID)
	}
	for _, msg := range candidates {
		latest, err := hkdata.LatestVersion(ctx, tx, msg.ID)
		if err != nil {
			return nil, err
		}
		if latest == nil || latest.Deleted {
			continue
		}
		heap, err := hkdata.HeapOf(ctx, tx, msg.ID)
		if err != nil {
			return nil, err
		}
		if heap.ID == heapID {
			id := msg.ID
			return &id, nil
		}
	}
	return nil, nil
}
