/*
Package mail turns inbound email into heap keeper messages. ParseMessage
decodes a raw RFC 5322 message, ParseSubject pulls labels out of the subject
line, and Ingest files the result into every heap it was addressed to.

Listening for SMTP connections is somebody else's job; this package starts
from the bytes of a message.
*/
package mail

import (
	"bytes"
	"encoding/base64"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	netmail "net/mail"
	"strings"

	"git.handmade.network/hmn/heapkeeper/src/logging"
	"git.handmade.network/hmn/heapkeeper/src/oops"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"
)

// An inbound mail, decoded and ready to be ingested.
type Inbound struct {
	From      string
	To        []string
	Subject   string
	MessageID string
	InReplyTo string
	Body      string
}

var headerDecoder = &mime.WordDecoder{CharsetReader: charsetReader}

func charsetReader(charset string, input io.Reader) (io.Reader, error) {
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return nil, oops.New(err, "unsupported charset %q", charset)
	}
	return transform.NewReader(input, enc.NewDecoder()), nil
}

func ParseMessage(r io.Reader) (*Inbound, error) {
	msg, err := netmail.ReadMessage(r)
	if err != nil {
		return nil, oops.New(oops.ErrValidation, "unparseable mail: %v", err)
	}

	in := &Inbound{
		From:      decodeHeader(msg.Header.Get("From")),
		Subject:   decodeHeader(msg.Header.Get("Subject")),
		MessageID: strings.TrimSpace(decodeHeader(msg.Header.Get("Message-ID"))),
		InReplyTo: strings.TrimSpace(decodeHeader(msg.Header.Get("In-Reply-To"))),
	}
	for _, key := range []string{"To", "Cc"} {
		in.To = append(in.To, addressList(msg.Header, key)...)
	}

	body, err := readBody(headerOf(msg.Header), msg.Body)
	if err != nil {
		return nil, err
	}
	in.Body = normalizeText(body)
	return in, nil
}

// Header values that are not valid RFC 2047 are kept as they are.
func decodeHeader(value string) string {
	decoded, err := headerDecoder.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}

func addressList(h netmail.Header, key string) []string {
	raw := h.Get(key)
	if raw == "" {
		return nil
	}
	parser := netmail.AddressParser{WordDecoder: headerDecoder}
	addrs, err := parser.ParseList(raw)
	if err != nil {
		// Not RFC 5322, but often still a plain comma separated list.
		var result []string
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				result = append(result, part)
			}
		}
		return result
	}
	result := make([]string, 0, len(addrs))
	for _, a := range addrs {
		result = append(result, a.Address)
	}
	return result
}

// The part of a header set that decides how a body is decoded.
type partHeader struct {
	contentType      string
	transferEncoding string
}

func headerOf(h map[string][]string) partHeader {
	get := func(key string) string {
		if values := h[key]; len(values) > 0 {
			return values[0]
		}
		return ""
	}
	return partHeader{
		contentType:      get("Content-Type"),
		transferEncoding: get("Content-Transfer-Encoding"),
	}
}

func readBody(h partHeader, body io.Reader) (string, error) {
	mediaType, params, err := mime.ParseMediaType(h.contentType)
	if err != nil {
		mediaType, params = "text/plain", nil
	}

	if !strings.HasPrefix(mediaType, "multipart/") {
		return decodeBody(body, h.transferEncoding, params["charset"])
	}

	// Take the first plain text part, looking inside nested multiparts.
	parts := multipart.NewReader(body, params["boundary"])
	for {
		part, err := parts.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", oops.New(oops.ErrValidation, "broken multipart body: %v", err)
		}
		ph := headerOf(part.Header)
		partType, _, err := mime.ParseMediaType(ph.contentType)
		if err != nil {
			partType = "text/plain"
		}
		if partType == "text/plain" || strings.HasPrefix(partType, "multipart/") {
			return readBody(ph, part)
		}
	}
	return "", oops.New(oops.ErrValidation, "mail has no text/plain part")
}

func decodeBody(body io.Reader, encoding, charset string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "7bit", "8bit", "binary":
	case "base64":
		body = base64.NewDecoder(base64.StdEncoding, body)
	case "quoted-printable":
		body = quotedprintable.NewReader(body)
	default:
		logging.Warn().Str("encoding", encoding).Msg("unknown transfer encoding, keeping the body undecoded")
	}

	if charset != "" {
		if decoding, err := charsetReader(charset, body); err == nil {
			body = decoding
		} else {
			logging.Warn().Str("charset", charset).Msg("unknown charset, keeping the body as is")
		}
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, body); err != nil {
		return "", oops.New(oops.ErrValidation, "failed to decode mail body: %v", err)
	}
	return buf.String(), nil
}

func normalizeText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\u00a0", " ")
	return s
}
