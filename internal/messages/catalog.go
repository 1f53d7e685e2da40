// Package messages holds every user-facing reply: short texts with {task}
// style placeholders and Block Kit templates, loaded once from YAML.
package messages

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/snapngo/snapbot/internal/domain"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// ChannelPlaceholder is replaced with the order channel's name.
const ChannelPlaceholder = "PLACEHOLDER_CHANNEL_NAME"

// Template is a message with fallback text and optional blocks.
type Template struct {
	Text   string           `yaml:"text"`
	Blocks []map[string]any `yaml:"blocks"`
}

// Catalog is immutable after Load; methods return fresh values.
type Catalog struct {
	Help               Template `yaml:"help"`
	Account            Template `yaml:"account"`
	Report             Template `yaml:"report"`
	OptIn              Template `yaml:"opt_in"`
	OptOut             Template `yaml:"opt_out"`
	CheckAccount       Template `yaml:"check_account"`
	SampleTask         Template `yaml:"sample_task"`
	Welcome            Template `yaml:"welcome"`
	TaskChannelWelcome Template `yaml:"task_channel_welcome"`
	ChannelCreatedMsg  Template `yaml:"channel_created"`

	MultipleFiles    string `yaml:"multiple_files"`
	NotImage         string `yaml:"not_image"`
	MalformedTask    string `yaml:"malformed_task"`
	WindowExpiredMsg string `yaml:"window_expired"`
	NotStartedMsg    string `yaml:"window_not_started"`
	NotAuthorizedMsg string `yaml:"not_authorized"`
	PendingHintMsg   string `yaml:"pending_hint"`
	ReceivedMsg      string `yaml:"received"`
	DuplicateMsg     string `yaml:"duplicate"`
	Failure          string `yaml:"failure"`
}

// Load returns the built-in catalog, overlaid with path when it is set.
// Keys missing from the override keep their defaults.
func Load(path string) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(defaultsYAML, &c); err != nil {
		return nil, fmt.Errorf("parse default messages: %w", err)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read messages: %w", err)
		}
		if err := yaml.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("parse messages %s: %w", path, err)
		}
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c, err := Load("")
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Catalog) validate() error {
	required := map[string]string{
		"help":               c.Help.Text,
		"sample_task":        c.SampleTask.Text,
		"welcome":            c.Welcome.Text,
		"multiple_files":     c.MultipleFiles,
		"not_image":          c.NotImage,
		"malformed_task":     c.MalformedTask,
		"window_expired":     c.WindowExpiredMsg,
		"window_not_started": c.NotStartedMsg,
		"not_authorized":     c.NotAuthorizedMsg,
		"received":           c.ReceivedMsg,
		"failure":            c.Failure,
	}
	for key, v := range required {
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("messages: %q must not be empty", key)
		}
	}
	return nil
}

// ─── Rendered Replies ───────────────────────────────────────────────────────

func fill(s string, task domain.TaskID) string {
	return strings.ReplaceAll(s, "{task}", task.String())
}

// WindowExpired is the reply for a task whose window has closed.
func (c *Catalog) WindowExpired(task domain.TaskID) string {
	return fill(c.WindowExpiredMsg, task)
}

// WindowNotStarted is the reply for a task whose window has not opened.
func (c *Catalog) WindowNotStarted(task domain.TaskID) string {
	return fill(c.NotStartedMsg, task)
}

// NotAuthorized is the reply for a task outside the user's accepted set.
func (c *Catalog) NotAuthorized(task domain.TaskID, accepted []domain.TaskID) string {
	return strings.ReplaceAll(fill(c.NotAuthorizedMsg, task), "{accepted}", FormatTaskList(accepted))
}

// PendingHint tells the user the task is waiting for their acceptance.
func (c *Catalog) PendingHint(task domain.TaskID) string {
	return fill(c.PendingHintMsg, task)
}

// Received confirms a recorded submission.
func (c *Catalog) Received(task domain.TaskID) string {
	return fill(c.ReceivedMsg, task)
}

// Duplicate tells the user the task was already submitted.
func (c *Catalog) Duplicate(task domain.TaskID) string {
	return fill(c.DuplicateMsg, task)
}

// ChannelCreated is the order confirmation with the channel name filled in.
func (c *Catalog) ChannelCreated(channelName string) Template {
	return Template{
		Text:   strings.ReplaceAll(c.ChannelCreatedMsg.Text, ChannelPlaceholder, channelName),
		Blocks: replaceInBlocks(c.ChannelCreatedMsg.Blocks, ChannelPlaceholder, channelName),
	}
}

// FormatTaskList renders ids as "[12, 42]".
func FormatTaskList(ids []domain.TaskID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// replaceInBlocks returns a deep copy of blocks with old replaced in every string.
func replaceInBlocks(blocks []map[string]any, old, new string) []map[string]any {
	out := make([]map[string]any, len(blocks))
	for i, b := range blocks {
		out[i] = replaceIn(b, old, new).(map[string]any)
	}
	return out
}

func replaceIn(v any, old, new string) any {
	switch t := v.(type) {
	case string:
		return strings.ReplaceAll(t, old, new)
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[k] = replaceIn(val, old, new)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, val := range t {
			s[i] = replaceIn(val, old, new)
		}
		return s
	default:
		return v
	}
}
