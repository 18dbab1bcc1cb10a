package format

import (
	"fmt"
	"strings"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// UTF16Len returns the length of s in UTF-16 code units, the unit Telegram
// uses for entity offsets.
func UTF16Len(s string) int {
	n := 0
	for _, r := range s {
		if r == utf8.RuneError || r < 0x10000 {
			n++
		} else {
			n += 2
		}
	}
	return n
}

// Builder assembles message text with formatting entities. User supplied
// text is appended verbatim, so it never needs escaping.
type Builder struct {
	sb       strings.Builder
	offset   int
	entities []tgbotapi.MessageEntity
}

func (b *Builder) Text(s string) *Builder {
	b.sb.WriteString(s)
	b.offset += UTF16Len(s)
	return b
}

func (b *Builder) Textf(format string, args ...any) *Builder {
	return b.Text(fmt.Sprintf(format, args...))
}

func (b *Builder) Bold(s string) *Builder {
	return b.styled("bold", s)
}

func (b *Builder) Italic(s string) *Builder {
	return b.styled("italic", s)
}

func (b *Builder) Code(s string) *Builder {
	return b.styled("code", s)
}

func (b *Builder) Line() *Builder {
	return b.Text("\n")
}

func (b *Builder) styled(kind, s string) *Builder {
	if s == "" {
		return b
	}
	n := UTF16Len(s)
	b.entities = append(b.entities, tgbotapi.MessageEntity{Type: kind, Offset: b.offset, Length: n})
	b.sb.WriteString(s)
	b.offset += n
	return b
}

func (b *Builder) String() string {
	return b.sb.String()
}

func (b *Builder) Entities() []tgbotapi.MessageEntity {
	return b.entities
}

// Message builds a send config for chatID from the builder contents.
func (b *Builder) Message(chatID int64) tgbotapi.MessageConfig {
	msg := tgbotapi.NewMessage(chatID, strings.TrimRight(b.String(), "\n"))
	msg.Entities = b.entities
	return msg
}
