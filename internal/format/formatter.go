package format

import (
	"fmt"
	"strings"

	"github.com/matt0x6f/headless-irc/internal/state"
)

// Formatter turns message and user records into display text. The store
// keeps raw structured data; formatting happens only at the edges, e.g. when
// echoing a locally composed action.
type Formatter interface {
	FormatText(msgType state.MessageType, nick, text string) string
	FormatUser(user *state.User) string
	FormatUserFull(user *state.User) string
	// T renders a translation key with {name} placeholders substituted
	T(key string, vars map[string]string) string
}

// PlainText is the default formatter: plain text, no markup, no translation
// catalogue.
type PlainText struct{}

// NewPlainText creates the default plain-text formatter
func NewPlainText() *PlainText {
	return &PlainText{}
}

func (f *PlainText) FormatText(msgType state.MessageType, nick, text string) string {
	switch msgType {
	case state.MsgAction:
		return fmt.Sprintf("* %s %s", nick, text)
	case state.MsgNotice:
		return fmt.Sprintf("-%s- %s", nick, text)
	default:
		return text
	}
}

func (f *PlainText) FormatUser(user *state.User) string {
	if user == nil {
		return ""
	}
	return user.Nick
}

func (f *PlainText) FormatUserFull(user *state.User) string {
	if user == nil {
		return ""
	}
	if user.Host != "" {
		return fmt.Sprintf("%s!%s@%s", user.Nick, user.Username, user.Host)
	}
	return user.Nick
}

func (f *PlainText) T(key string, vars map[string]string) string {
	out := key
	for name, value := range vars {
		out = strings.ReplaceAll(out, "{"+name+"}", value)
	}
	return out
}
