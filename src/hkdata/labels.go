package hkdata

import (
	"context"
	"strings"
	"unicode/utf8"

	"git.handmade.network/hmn/heapkeeper/src/models"
	"git.handmade.network/hmn/heapkeeper/src/oops"
	"git.handmade.network/hmn/heapkeeper/src/store"
)

/*
Labels are shared by text. A label exists exactly as long as something
references it, where a reference is a conversation carrying the text or the
latest version of a message carrying it. Older versions keep their label
texts as history but do not keep the label alive.

Every operation that can drop a reference must call ReleaseLabelIfUnused
(or releaseDroppedLabels) afterwards, inside the same transaction.
*/

/*
Cleans up label texts given by a user. Each argument is one label name, so
a single string is a single label and several arguments are several labels.
Surrounding whitespace is trimmed, empty names are dropped and repeats are
collapsed, keeping the first occurrence. Names longer than
models.MaxLabelLength are rejected.
*/
func NormalizeLabels(texts ...string) ([]string, error) {
	var result []string
	seen := make(map[string]struct{}, len(texts))
	for _, text := range texts {
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		if utf8.RuneCountInString(text) > models.MaxLabelLength {
			return nil, oops.New(oops.ErrValidation, "label %q is longer than %d characters", text, models.MaxLabelLength)
		}
		if _, ok := seen[text]; ok {
			continue
		}
		seen[text] = struct{}{}
		result = append(result, text)
	}
	return result, nil
}

// Returns the label with the given text, creating it if needed.
func InternLabel(ctx context.Context, tx store.Tx, text string) (*models.Label, error) {
	label, err := tx.GetLabel(ctx, text)
	if err == nil {
		return label, nil
	}
	if !oops.IsNotFound(err) {
		return nil, oops.New(err, "failed to look up label %q", text)
	}

	label = &models.Label{
		Text:      text,
		CreatedAt: now(ctx),
	}
	if err := tx.CreateLabel(ctx, label); err != nil {
		return nil, oops.New(err, "failed to create label %q", text)
	}
	return label, nil
}

func InternLabels(ctx context.Context, tx store.Tx, texts []string) error {
	for _, text := range texts {
		if _, err := InternLabel(ctx, tx, text); err != nil {
			return err
		}
	}
	return nil
}

// Deletes the label if nothing references it any more. Reports whether it
// was deleted. A label that does not exist is left alone.
func ReleaseLabelIfUnused(ctx context.Context, tx store.Tx, text string) (bool, error) {
	if _, err := tx.GetLabel(ctx, text); err != nil {
		if oops.IsNotFound(err) {
			return false, nil
		}
		return false, oops.New(err, "failed to look up label %q", text)
	}

	count, err := tx.CountLabelReferences(ctx, text)
	if err != nil {
		return false, oops.New(err, "failed to count references to label %q", text)
	}
	if count > 0 {
		return false, nil
	}

	if err := tx.DeleteLabel(ctx, text); err != nil {
		return false, oops.New(err, "failed to delete unused label %q", text)
	}
	return true, nil
}

// Releases every label in before that is not in after.
func releaseDroppedLabels(ctx context.Context, tx store.Tx, before, after []string) error {
	kept := make(map[string]struct{}, len(after))
	for _, text := range after {
		kept[text] = struct{}{}
	}
	for _, text := range before {
		if _, ok := kept[text]; ok {
			continue
		}
		if _, err := ReleaseLabelIfUnused(ctx, tx, text); err != nil {
			return err
		}
	}
	return nil
}

// Replaces a conversation's labels, interning new ones and releasing dropped
// ones.
func SetConversationLabels(ctx context.Context, tx store.Tx, convID int, texts ...string) (*models.Conversation, error) {
	labels, err := NormalizeLabels(texts...)
	if err != nil {
		return nil, err
	}

	conv, err := tx.GetConversation(ctx, convID)
	if err != nil {
		return nil, oops.New(err, "failed to fetch conversation")
	}
	before := conv.Labels

	if err := InternLabels(ctx, tx, labels); err != nil {
		return nil, err
	}
	conv.Labels = labels
	if err := tx.UpdateConversation(ctx, conv); err != nil {
		return nil, oops.New(err, "failed to update conversation labels")
	}
	if err := releaseDroppedLabels(ctx, tx, before, labels); err != nil {
		return nil, err
	}
	return conv, nil
}

// Adds labels to a conversation, keeping the ones it already has.
func AddConversationLabels(ctx context.Context, tx store.Tx, convID int, texts ...string) (*models.Conversation, error) {
	conv, err := tx.GetConversation(ctx, convID)
	if err != nil {
		return nil, oops.New(err, "failed to fetch conversation")
	}
	return SetConversationLabels(ctx, tx, convID, append(conv.Labels, texts...)...)
}

// Replaces the labels of a message by amending it.
func SetMessageLabels(ctx context.Context, tx store.Tx, id models.MessageID, texts ...string) (*models.MessageVersion, error) {
	labels, err := NormalizeLabels(texts...)
	if err != nil {
		return nil, err
	}
	return Amend(ctx, tx, id, Overrides{ChangeLabels: true, Labels: labels})
}

// Deletes a conversation row and releases its labels.
func deleteConversation(ctx context.Context, tx store.Tx, conv *models.Conversation) error {
	if err := tx.DeleteConversation(ctx, conv.ID); err != nil {
		return oops.New(err, "failed to delete conversation %d", conv.ID)
	}
	return releaseDroppedLabels(ctx, tx, conv.Labels, nil)
}
