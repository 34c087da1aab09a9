package exportparser

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/participant-hub/identity/internal/apperr"
)

const sampleJSON = `{
  "name": "Клуб предпринимателей",
  "type": "private_supergroup",
  "id": 1234567890,
  "messages": [
    {"id": 1, "type": "service", "date": "2024-01-15T10:00:00", "actor": "Иван Петров", "action": "join_group_by_link"},
    {"id": 2, "type": "message", "date": "2024-01-15T10:30:00", "from": "Иван Петров", "from_id": "user555", "text": "Привет"},
    {"id": 3, "type": "message", "date": "2024-01-15T11:00:00", "date_unixtime": "1705316400", "from": "Иван Петров", "from_id": "user555",
     "text": ["see ", {"type": "link", "text": "https://example.com"}]},
    {"id": 4, "type": "message", "date": "2024-01-14T09:00:00", "from": "News", "from_id": "channel777", "text": "post"},
    {"id": 5, "type": "message", "date": "not a date", "from": "Broken", "from_id": "user1", "text": "x"},
    {"id": 6, "type": "message", "date": "2024-01-16T08:00:00", "from": null, "text": "", "text_entities": [{"type": "plain", "text": "hi"}]}
  ]
}`

func TestParseJSON(t *testing.T) {
	exp, err := Parse("result.json", []byte(sampleJSON))
	require.NoError(t, err)

	assert.Equal(t, FormatJSON, exp.Format)
	require.NotNil(t, exp.ChatID)
	assert.Equal(t, int64(1234567890), *exp.ChatID)
	assert.Equal(t, "private_supergroup", exp.ChatType)
	assert.Equal(t, 1, exp.Skipped)
	require.Len(t, exp.Messages, 4)
	assert.Equal(t, "see https://example.com", exp.Messages[1].Text)

	require.Len(t, exp.Authors, 3)
	ivan := exp.Authors[0]
	assert.Equal(t, "Иван Петров", ivan.Name)
	require.NotNil(t, ivan.ExternalID)
	assert.Equal(t, int64(555), *ivan.ExternalID)
	assert.Equal(t, 2, ivan.InteractionCount)
	assert.Equal(t, time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC), ivan.FirstSeenAt)
	assert.Equal(t, time.Unix(1705316400, 0).UTC(), ivan.LastSeenAt)

	channel := exp.Authors[1]
	require.NotNil(t, channel.ExternalID)
	assert.Equal(t, int64(-777), *channel.ExternalID)

	unknown := exp.Authors[2]
	assert.Equal(t, "Unknown", unknown.Name)
	assert.Nil(t, unknown.ExternalID)

	assert.Equal(t, time.Date(2024, 1, 14, 9, 0, 0, 0, time.UTC), exp.Start)
	assert.Equal(t, time.Date(2024, 1, 16, 8, 0, 0, 0, time.UTC), exp.End)
}

func TestParseJSONRejectsGarbage(t *testing.T) {
	_, err := ParseJSON([]byte(`{"name": "x"`))
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = ParseJSON([]byte(`{"name": "x"}`))
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

const sampleHTML = `<!DOCTYPE html>
<html><head><meta charset="utf-8"/></head><body>
<div class="page_header"><div class="content"><div class="text bold">Клуб</div></div></div>
<div class="history">
 <div class="message service" id="message-1"><div class="body details">15 January 2024</div></div>
 <div class="message default clearfix" id="message10">
  <div class="body">
   <div class="pull_right date details" title="15.01.2024 10:30:00 UTC+03:00">10:30</div>
   <div class="from_name"><a href="https://t.me/ivanp">Иван  Петров</a></div>
   <div class="text">Привет всем</div>
  </div>
 </div>
 <div class="message default clearfix joined" id="message11">
  <div class="body">
   <div class="pull_right date details" title="15.01.2024 10:31:00 UTC+03:00">10:31</div>
   <div class="reply_to details">In reply to <a href="#go_to_message10">this message</a></div>
   <div class="text">ещё раз</div>
  </div>
 </div>
 <div class="message default clearfix" id="message12">
  <div class="body">
   <div class="pull_right date details" title="16.01.2024 09:00:00">09:00</div>
   <div class="from_name">Мария</div>
   <div class="media_wrap"></div>
  </div>
 </div>
 <div class="message default clearfix" id="message13">
  <div class="body">
   <div class="pull_right date details" title="16.01.2024 09:05:00">09:05</div>
   <div class="from_name">Мария</div>
   <div class="text">подпись</div>
  </div>
 </div>
</div></body></html>`

func TestParseHTML(t *testing.T) {
	exp, err := Parse("messages.html", []byte(sampleHTML))
	require.NoError(t, err)

	assert.Equal(t, FormatHTML, exp.Format)
	assert.Equal(t, "Клуб", exp.ChatName)
	assert.Equal(t, 1, exp.Skipped, "media without text is skipped")
	require.Len(t, exp.Messages, 3)

	joined := exp.Messages[1]
	assert.Equal(t, "Иван Петров", joined.AuthorName)
	require.NotNil(t, joined.ReplyTo)
	assert.Equal(t, int64(10), *joined.ReplyTo)
	assert.Equal(t, int64(11), joined.MessageID)

	require.Len(t, exp.Authors, 2)
	ivan := exp.Authors[0]
	require.NotNil(t, ivan.Handle)
	assert.Equal(t, "ivanp", *ivan.Handle)
	assert.Equal(t, 2, ivan.InteractionCount)
	assert.Equal(t, time.Date(2024, 1, 15, 7, 30, 0, 0, time.UTC), ivan.FirstSeenAt)

	maria := exp.Authors[1]
	assert.Equal(t, "Мария", maria.Name)
	assert.Equal(t, 1, maria.InteractionCount)
	assert.Equal(t, time.Date(2024, 1, 16, 9, 5, 0, 0, time.UTC), maria.LastSeenAt)
}

func TestParseHTMLWithoutMessages(t *testing.T) {
	_, err := ParseHTML([]byte("<html><body><p>nothing</p></body></html>"))
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestParseSniffsFormat(t *testing.T) {
	exp, err := Parse("upload", []byte("  "+sampleJSON))
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, exp.Format)

	_, err = Parse("notes.txt", []byte("hello"))
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestParseHTMLDate(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
		ok   bool
	}{
		{"15.01.2024 10:30:00", time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC), true},
		{"15.01.2024 10:30:00 UTC+03:00", time.Date(2024, 1, 15, 7, 30, 0, 0, time.UTC), true},
		{"15.01.2024 10:30:00 UTC-05:30", time.Date(2024, 1, 15, 16, 0, 0, 0, time.UTC), true},
		{"2024-01-15T10:30:00Z", time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC), true},
		{"yesterday", time.Time{}, false},
	}
	for _, tt := range tests {
		got, ok := parseHTMLDate(tt.in)
		if ok != tt.ok || !got.Equal(tt.want) {
			t.Errorf("parseHTMLDate(%q) = %v, %v; want %v, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}
