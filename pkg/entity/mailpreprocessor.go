package entity

import (
	"fmt"
	"mime"
	"net/mail"
	"strings"

	"github.com/cuemby/sink/pkg/sid"
	"github.com/cuemby/sink/pkg/value"
)

// MailItemType and MailFolderType are the two entity types MailPreprocessor
// operates over: the message itself, and the special-purpose folder it may
// enqueue a create for.
const (
	MailItemType   = "mail.item"
	MailFolderType = "mail.folder"
)

// MailPreprocessor derives mail.item's indexed properties from its raw MIME
// payload (spec §4.2's named example: parse a MIME message to extract
// subject/sender/date/messageId/parentMessageIds/plain body), drops pure
// no-op re-writes of an unchanged message, and auto-creates the
// special-purpose folder a new message declares itself into (spec §4.2,
// "auto-creating special-purpose folders like Drafts, Trash, Sent").
type MailPreprocessor struct{}

func (MailPreprocessor) Preprocess(ctx *PreprocessContext) error {
	raw, _ := ctx.New.Properties["mime"].AsBytes()
	if len(raw) == 0 {
		return nil
	}

	if ctx.Old != nil {
		if oldRaw, ok := ctx.Old.Properties["mime"].AsBytes(); ok && string(oldRaw) == string(raw) {
			ctx.Drop = true
			return nil
		}
	}

	msg, err := mail.ReadMessage(strings.NewReader(string(raw)))
	if err != nil {
		// Invalid MIME to process: leave the entity as the caller supplied
		// it rather than failing the whole write.
		return nil
	}

	ctx.New.Properties["subject"] = value.String(decodeHeaderWord(msg.Header.Get("Subject")))
	ctx.New.Properties["sender"] = value.String(decodeHeaderWord(msg.Header.Get("From")))

	if date, err := msg.Header.Date(); err == nil {
		ctx.New.Properties["date"] = value.Timestamp(date)
	}

	ctx.New.Properties["messageId"] = value.String(resolveMessageID(ctx, msg.Header))

	if parents := parentMessageIDs(msg.Header); len(parents) > 0 {
		vals := make([]value.Value, len(parents))
		for i, p := range parents {
			vals[i] = value.String(p)
		}
		ctx.New.Properties["parentMessageIds"] = value.List(vals)
	}

	ctx.New.Properties["plainBody"] = value.String(readBody(msg))

	if ctx.Old == nil {
		if purpose, ok := ctx.New.Properties["specialPurpose"].AsString(); ok && purpose != "" {
			ctx.EnqueueCreate(MailFolderType, Properties{
				"name":           value.String(strings.ToUpper(purpose[:1]) + purpose[1:]),
				"specialPurpose": value.String(purpose),
			})
		}
	}

	return nil
}

func decodeHeaderWord(raw string) string {
	decoded, err := (&mime.WordDecoder{}).DecodeHeader(raw)
	if err != nil {
		return raw
	}
	return decoded
}

// resolveMessageID mirrors the original preprocessor's fallback: reuse the
// previous revision's id on a modification, otherwise mint a new globally
// unique one that doesn't leak the local hostname.
func resolveMessageID(ctx *PreprocessContext, h mail.Header) string {
	if id := strings.Trim(h.Get("Message-Id"), "<>"); id != "" {
		return id
	}
	if ctx.Old != nil {
		if existing, ok := ctx.Old.Properties["messageId"].AsString(); ok && existing != "" {
			return existing
		}
	}
	return fmt.Sprintf("%s@sink", sid.New())
}

// parentMessageIDs returns References, or else the first In-Reply-To id
// (RFC 5256: "ignore all but the first"). The last References entry is the
// immediate parent; callers that need only the parent take the last element.
func parentMessageIDs(h mail.Header) []string {
	if refs := strings.Fields(h.Get("References")); len(refs) > 0 {
		out := make([]string, len(refs))
		for i, r := range refs {
			out[i] = strings.Trim(r, "<>")
		}
		return out
	}
	if inReplyTo := strings.Fields(h.Get("In-Reply-To")); len(inReplyTo) > 0 {
		return []string{strings.Trim(inReplyTo[0], "<>")}
	}
	return nil
}

func readBody(msg *mail.Message) string {
	var b strings.Builder
	buf := make([]byte, 4096)
	for {
		n, err := msg.Body.Read(buf)
		if n > 0 {
			b.Write(buf[:n])
		}
		if err != nil {
			break
		}
	}
	return b.String()
}
