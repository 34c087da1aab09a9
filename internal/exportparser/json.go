package exportparser

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/participant-hub/identity/internal/apperr"
	"github.com/participant-hub/identity/internal/models"
)

type jsonExport struct {
	Name     string        `json:"name"`
	Type     string        `json:"type"`
	ID       json.Number   `json:"id"`
	Messages []jsonMessage `json:"messages"`
}

type jsonMessage struct {
	ID           int64           `json:"id"`
	Type         string          `json:"type"`
	Date         string          `json:"date"`
	DateUnix     string          `json:"date_unixtime"`
	From         *string         `json:"from"`
	FromID       any             `json:"from_id"`
	Text         json.RawMessage `json:"text"`
	TextEntities []textEntity    `json:"text_entities"`
	ReplyTo      *int64          `json:"reply_to_message_id"`
}

type textEntity struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ParseJSON reads a result.json export. Only entries of type "message" count;
// from_id "user123" becomes 123 and "channel123" becomes -123.
func ParseJSON(data []byte) (*Export, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw jsonExport
	if err := dec.Decode(&raw); err != nil {
		return nil, apperr.Validation("invalid JSON export: %v", err)
	}
	if raw.Messages == nil {
		return nil, apperr.Validation("invalid JSON export: missing messages array")
	}

	exp := &Export{Format: FormatJSON, ChatName: raw.Name, ChatType: raw.Type}
	if raw.ID != "" {
		if id, err := raw.ID.Int64(); err == nil {
			exp.ChatID = &id
		}
	}

	for _, m := range raw.Messages {
		if m.Type != "message" {
			continue
		}
		msg, ok := m.toMessage()
		if !ok {
			exp.Skipped++
			continue
		}
		exp.Messages = append(exp.Messages, msg)
	}
	aggregate(exp)
	return exp, nil
}

func (m jsonMessage) toMessage() (Message, bool) {
	ts, ok := parseJSONDate(m.Date, m.DateUnix)
	if !ok {
		return Message{}, false
	}
	name := "Unknown"
	if m.From != nil && strings.TrimSpace(*m.From) != "" {
		name = strings.TrimSpace(*m.From)
	}
	msg := Message{
		MessageID:  m.ID,
		AuthorName: name,
		Text:       m.text(),
		Timestamp:  ts,
		ReplyTo:    m.ReplyTo,
	}
	if m.FromID != nil {
		if id, err := models.ParseExternalID(m.FromID); err == nil {
			msg.ExternalID = &id
		}
	}
	return msg, true
}

func (m jsonMessage) text() string {
	if len(m.Text) > 0 {
		var s string
		if err := json.Unmarshal(m.Text, &s); err == nil && s != "" {
			return s
		}
		// mixed array of strings and entity objects
		var parts []json.RawMessage
		if err := json.Unmarshal(m.Text, &parts); err == nil {
			var b strings.Builder
			for _, p := range parts {
				var str string
				if json.Unmarshal(p, &str) == nil {
					b.WriteString(str)
					continue
				}
				var ent textEntity
				if json.Unmarshal(p, &ent) == nil {
					b.WriteString(ent.Text)
				}
			}
			return b.String()
		}
	}
	var b strings.Builder
	for _, e := range m.TextEntities {
		b.WriteString(e.Text)
	}
	return b.String()
}

// parseJSONDate prefers date_unixtime. Local timestamps without a zone are
// taken as UTC.
func parseJSONDate(date, unix string) (time.Time, bool) {
	if unix != "" {
		if sec, err := strconv.ParseInt(unix, 10, 64); err == nil {
			return time.Unix(sec, 0).UTC(), true
		}
	}
	if date == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, date); err == nil {
		return t.UTC(), true
	}
	if t, err := time.Parse("2006-01-02T15:04:05", date); err == nil {
		return t, true
	}
	return time.Time{}, false
}
