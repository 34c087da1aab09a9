// Package exportparser reads Telegram chat history exports (JSON "machine
// readable" exports and HTML exports) and aggregates them per author.
package exportparser

import (
	"bytes"
	"path/filepath"
	"strings"
	"time"

	"github.com/participant-hub/identity/internal/apperr"
	"github.com/participant-hub/identity/internal/models"
)

// Formats
const (
	FormatJSON = "json"
	FormatHTML = "html"
)

type Message struct {
	MessageID  int64     `json:"message_id,omitempty"`
	AuthorName string    `json:"author_name"`
	Handle     *string   `json:"handle,omitempty"`
	ExternalID *int64    `json:"external_id,omitempty"`
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
	ReplyTo    *int64    `json:"reply_to,omitempty"`
}

func (m Message) author() models.ImportedAuthor {
	return models.ImportedAuthor{Name: m.AuthorName, Handle: m.Handle, ExternalID: m.ExternalID}
}

type Export struct {
	Format   string                  `json:"format"`
	ChatID   *int64                  `json:"chat_id,omitempty"`
	ChatName string                  `json:"chat_name,omitempty"`
	ChatType string                  `json:"chat_type,omitempty"`
	Messages []Message               `json:"-"`
	Authors  []models.ImportedAuthor `json:"authors"`
	Start    time.Time               `json:"start"`
	End      time.Time               `json:"end"`
	Skipped  int                     `json:"skipped"`
}

// Parse picks the format from the file name, falling back to sniffing the
// first non-space byte.
func Parse(fileName string, data []byte) (*Export, error) {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".json":
		return ParseJSON(data)
	case ".html", ".htm":
		return ParseHTML(data)
	}
	trimmed := bytes.TrimLeft(data, " \t\r\n\ufeff")
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return ParseJSON(data)
	}
	if len(trimmed) > 0 && trimmed[0] == '<' {
		return ParseHTML(data)
	}
	return nil, apperr.Validation("unsupported export file %q: expected .json or .html", fileName)
}

// aggregate folds messages into authors keyed like models.ImportedAuthor.Key,
// preserving first-appearance order.
func aggregate(exp *Export) {
	index := make(map[string]int)
	for _, m := range exp.Messages {
		a := m.author()
		key := a.Key()
		if i, ok := index[key]; ok {
			cur := &exp.Authors[i]
			cur.InteractionCount++
			if m.Timestamp.Before(cur.FirstSeenAt) {
				cur.FirstSeenAt = m.Timestamp
			}
			if m.Timestamp.After(cur.LastSeenAt) {
				cur.LastSeenAt = m.Timestamp
			}
			continue
		}
		a.InteractionCount = 1
		a.FirstSeenAt = m.Timestamp
		a.LastSeenAt = m.Timestamp
		index[key] = len(exp.Authors)
		exp.Authors = append(exp.Authors, a)
	}

	for i, m := range exp.Messages {
		if i == 0 || m.Timestamp.Before(exp.Start) {
			exp.Start = m.Timestamp
		}
		if m.Timestamp.After(exp.End) {
			exp.End = m.Timestamp
		}
	}
	if exp.Authors == nil {
		exp.Authors = []models.ImportedAuthor{}
	}
}
