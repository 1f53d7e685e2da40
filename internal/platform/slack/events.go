package slack

import (
	"encoding/json"
	"strings"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
)

// Inner event types the bot subscribes to.
const (
	EventMessage    = "message"
	EventTeamJoin   = "team_join"
	EventFileShared = "file_shared"
)

// File is an attachment on a message event.
type File = slackapi.File

// DownloadURL prefers the download variant of the private URL.
func DownloadURL(f File) string {
	if f.URLPrivateDownload != "" {
		return f.URLPrivateDownload
	}
	return f.URLPrivate
}

// IsImage reports whether a MIME type names an image.
func IsImage(mimetype string) bool {
	return strings.Contains(mimetype, "image")
}

// ParseEvent decodes an Events API request body. Requests are authenticated
// by signature, so the deprecated verification token is not checked.
func ParseEvent(body []byte) (slackevents.EventsAPIEvent, error) {
	return slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
}

// EnvelopeType reads only the outer type of an Events API body, for bodies
// ParseEvent rejects because their inner event is one slack-go does not map.
func EnvelopeType(body []byte) (string, error) {
	var head struct {
		Type string `json:"type"`
	}
	err := json.Unmarshal(body, &head)
	return head.Type, err
}

// MessageContent is what the bot reads from a message event beyond
// slackevents.MessageEvent: its files and its rich-text blocks.
type MessageContent struct {
	Files  []File
	Blocks slackapi.Blocks
}

// DecodeMessageContent reads files and blocks from an event_callback body.
// Undecodable blocks are dropped, which makes TaskRef fall back to the text.
func DecodeMessageContent(body []byte) (MessageContent, error) {
	var env struct {
		Event struct {
			Files  []File          `json:"files"`
			Blocks json.RawMessage `json:"blocks"`
		} `json:"event"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return MessageContent{}, err
	}
	mc := MessageContent{Files: env.Event.Files}
	if len(env.Event.Blocks) > 0 {
		if err := json.Unmarshal(env.Event.Blocks, &mc.Blocks); err != nil {
			mc.Blocks = slackapi.Blocks{}
		}
	}
	return mc, nil
}

// TaskRef returns the text of the first rich-text leaf, which is what the user
// typed before any formatting. Falls back to text.
func (m MessageContent) TaskRef(text string) string {
	if len(m.Blocks.BlockSet) == 0 {
		return text
	}
	rt, ok := m.Blocks.BlockSet[0].(*slackapi.RichTextBlock)
	if !ok || len(rt.Elements) == 0 {
		return text
	}
	section, ok := rt.Elements[0].(*slackapi.RichTextSection)
	if !ok || len(section.Elements) == 0 {
		return text
	}
	if leaf, ok := section.Elements[0].(*slackapi.RichTextSectionTextElement); ok {
		return leaf.Text
	}
	return text
}

// ParseInteraction decodes the "payload" form field of an interactivity request.
func ParseInteraction(payload string) (slackapi.InteractionCallback, error) {
	var cb slackapi.InteractionCallback
	err := json.Unmarshal([]byte(payload), &cb)
	return cb, err
}

// InteractionChannel returns the channel an interaction happened in.
func InteractionChannel(cb slackapi.InteractionCallback) string {
	if cb.Channel.ID != "" {
		return cb.Channel.ID
	}
	return cb.Container.ChannelID
}
