package exportparser

import (
	"bytes"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/participant-hub/identity/internal/apperr"
)

var (
	reHandle    = regexp.MustCompile(`(?:@|t\.me/)(\w+)`)
	reDate      = regexp.MustCompile(`(\d{2}\.\d{2}\.\d{4} \d{2}:\d{2}:\d{2})(?:\s+UTC([+-]\d{2}):?(\d{2}))?`)
	reMessageID = regexp.MustCompile(`message(-?\d+)`)
)

// ParseHTML reads a messages*.html export. Service messages are ignored, and
// "joined" messages (consecutive posts by one author) inherit the author of
// the previous message.
func ParseHTML(data []byte) (*Export, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, apperr.Validation("invalid HTML export: %v", err)
	}

	messages := doc.Find(".message")
	if messages.Length() == 0 {
		return nil, apperr.Validation("no messages found, is this a Telegram HTML export?")
	}

	exp := &Export{Format: FormatHTML}
	exp.ChatName = strings.TrimSpace(doc.Find(".page_header .text.bold").First().Text())

	var prev *Message
	messages.Each(func(_ int, s *goquery.Selection) {
		if s.HasClass("service") {
			return
		}

		msg := Message{}
		from := s.Find(".from_name").First()
		switch {
		case from.Length() > 0:
			msg.AuthorName = cleanName(from)
			msg.Handle = handleOf(from)
		case s.HasClass("joined") && prev != nil:
			msg.AuthorName = prev.AuthorName
			msg.Handle = prev.Handle
		}
		if msg.AuthorName == "" {
			exp.Skipped++
			return
		}

		dateEl := s.Find(".date").First()
		title, _ := dateEl.Attr("title")
		if title == "" {
			title = strings.TrimSpace(dateEl.Text())
		}
		ts, ok := parseHTMLDate(title)
		if !ok {
			exp.Skipped++
			return
		}
		msg.Timestamp = ts

		if id, ok := s.Attr("id"); ok {
			if m := reMessageID.FindStringSubmatch(id); m != nil {
				msg.MessageID, _ = strconv.ParseInt(m[1], 10, 64)
			}
		}
		if href, ok := s.Find(".reply_to a").Attr("href"); ok {
			if m := reMessageID.FindStringSubmatch(href); m != nil {
				if v, err := strconv.ParseInt(m[1], 10, 64); err == nil {
					msg.ReplyTo = &v
				}
			}
		}

		msg.Text = strings.TrimSpace(s.Find(".text").First().Text())
		// media without caption still shows the author for joined messages
		prevCopy := msg
		prev = &prevCopy
		if msg.Text == "" {
			exp.Skipped++
			return
		}
		exp.Messages = append(exp.Messages, msg)
	})

	aggregate(exp)
	return exp, nil
}

// cleanName drops the "via @bot" suffix Telegram renders inside from_name.
func cleanName(s *goquery.Selection) string {
	c := s.Clone()
	c.Find(".details, .via").Remove()
	return strings.Join(strings.Fields(c.Text()), " ")
}

func handleOf(s *goquery.Selection) *string {
	href, ok := s.Attr("href")
	if !ok {
		href, ok = s.Find("a").First().Attr("href")
	}
	if !ok {
		return nil
	}
	m := reHandle.FindStringSubmatch(href)
	if m == nil {
		return nil
	}
	h := m[1]
	return &h
}

// parseHTMLDate reads "DD.MM.YYYY HH:MM:SS" with an optional "UTC+03:00"
// suffix. Without a suffix the time is taken as UTC.
func parseHTMLDate(s string) (time.Time, bool) {
	m := reDate.FindStringSubmatch(s)
	if m == nil {
		if t, err := time.Parse(time.RFC3339, strings.TrimSpace(s)); err == nil {
			return t.UTC(), true
		}
		return time.Time{}, false
	}
	loc := time.UTC
	if m[2] != "" {
		h, _ := strconv.Atoi(m[2])
		mins, _ := strconv.Atoi(m[3])
		offset := h*3600 + sign(h, m[2])*mins*60
		loc = time.FixedZone("", offset)
	}
	t, err := time.ParseInLocation("02.01.2006 15:04:05", m[1], loc)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

func sign(h int, raw string) int {
	if h < 0 || strings.HasPrefix(raw, "-") {
		return -1
	}
	return 1
}
