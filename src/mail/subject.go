package mail

import (
	"strings"
)

/*
Splits a mail subject into the conversation subject and its labels.

A leading "Re:" (any case) is dropped first. Then "[label]" tokens at the
start are collected, with spaces allowed between them, until something
else shows up. Whatever remains, trimmed, is the subject:

	"Re: [bug] [urgent] Crash on save" -> "Crash on save", [bug urgent]
	"[hk][meta]Re: naming"             -> "Re: naming", [hk meta]

An unclosed bracket ends the label run and stays in the subject.
*/
func ParseSubject(subject string) (string, []string) {
	rest := subject
	if len(rest) >= 3 && strings.EqualFold(rest[:3], "re:") {
		rest = rest[3:]
	}

	labels := []string{}
	for {
		trimmed := strings.TrimLeft(rest, " ")
		if !strings.HasPrefix(trimmed, "[") {
			break
		}
		end := strings.IndexByte(trimmed, ']')
		if end < 0 {
			break
		}
		labels = append(labels, strings.TrimSpace(trimmed[1:end]))
		rest = trimmed[end+1:]
	}

	return strings.TrimSpace(rest), labels
}
