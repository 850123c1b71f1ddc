// Package manifest submits conversations in bulk from an xlsx sheet.
package manifest

import (
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"github.com/MikeSquared-Agency/callsight/internal/conversation"
)

// Row is one manifest line turned into an ingestion request. Line is the
// 1-based sheet row, for error reporting.
type Row struct {
	Line    int
	Request conversation.Request
}

type columns struct {
	id, audio, format, language, source, started, participants int
}

// Load reads the first sheet of an xlsx manifest. Columns are found by header
// name; rows without an audio reference are skipped.
func Load(path string) ([]Row, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("manifest has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read rows: %w", err)
	}
	if len(rows) <= 1 {
		return nil, fmt.Errorf("manifest has no data rows")
	}

	cols := detectColumns(rows[0])
	if cols.audio < 0 {
		return nil, fmt.Errorf("manifest has no audio column")
	}

	var out []Row
	for i, r := range rows[1:] {
		line := i + 2
		req := conversation.Request{
			AudioRef: cell(r, cols.audio),
			Format:   strings.ToLower(cell(r, cols.format)),
			Language: strings.ToLower(cell(r, cols.language)),
			Source:   cell(r, cols.source),
		}
		if req.AudioRef == "" {
			continue
		}
		if s := cell(r, cols.id); s != "" {
			id, err := uuid.Parse(s)
			if err != nil {
				return nil, fmt.Errorf("row %d: invalid id %q: %w", line, s, err)
			}
			req.ID = id
		}
		if s := cell(r, cols.started); s != "" {
			t, err := parseTime(s)
			if err != nil {
				return nil, fmt.Errorf("row %d: %w", line, err)
			}
			req.StartedAt = &t
		}
		if s := cell(r, cols.participants); s != "" {
			ps, err := ParseParticipants(s)
			if err != nil {
				return nil, fmt.Errorf("row %d: %w", line, err)
			}
			req.Participants = ps
		}
		out = append(out, Row{Line: line, Request: req})
	}
	return out, nil
}

func detectColumns(header []string) columns {
	c := columns{-1, -1, -1, -1, -1, -1, -1}
	set := func(idx *int, i int) {
		if *idx == -1 {
			*idx = i
		}
	}
	for i, h := range header {
		l := strings.ToLower(strings.TrimSpace(h))
		switch {
		case strings.Contains(l, "audio") || strings.Contains(l, "url") || strings.Contains(l, "file") || strings.Contains(l, "recording"):
			set(&c.audio, i)
		case strings.Contains(l, "participant") || strings.Contains(l, "attendee"):
			set(&c.participants, i)
		case strings.Contains(l, "format") || strings.Contains(l, "codec"):
			set(&c.format, i)
		case strings.Contains(l, "lang"):
			set(&c.language, i)
		case strings.Contains(l, "source") || strings.Contains(l, "channel"):
			set(&c.source, i)
		case strings.Contains(l, "start") || strings.Contains(l, "date"):
			set(&c.started, i)
		case l == "id" || strings.Contains(l, "conversation id"):
			set(&c.id, i)
		}
	}
	return c
}

func cell(r []string, idx int) string {
	if idx < 0 || idx >= len(r) {
		return ""
	}
	return strings.TrimSpace(r[idx])
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"01-02-06 15:04",
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized start time %q", s)
}

// ParseParticipants reads a "; "-separated participant list. Each entry is
//
//	[label=]Name [<email>] [provider:id]
//
// e.g. "A=Ana Pérez <ana@example.com> teams:u123; B=Luis".
func ParseParticipants(s string) ([]conversation.DeclaredParticipant, error) {
	var out []conversation.DeclaredParticipant
	for _, entry := range strings.Split(s, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		var p conversation.DeclaredParticipant

		if label, rest, ok := strings.Cut(entry, "="); ok && !strings.ContainsAny(label, " <@") {
			p.Label = strings.TrimSpace(label)
			entry = strings.TrimSpace(rest)
		}

		fields := strings.Fields(entry)
		if n := len(fields); n > 0 {
			last := fields[n-1]
			if provider, id, ok := strings.Cut(last, ":"); ok && provider != "" && id != "" && !strings.Contains(last, "@") {
				p.Provider = strings.ToLower(provider)
				p.ProviderID = id
				entry = strings.TrimSpace(strings.TrimSuffix(entry, last))
			}
		}

		if strings.Contains(entry, "<") || strings.Contains(entry, "@") {
			addr, err := mail.ParseAddress(entry)
			if err != nil {
				return nil, fmt.Errorf("participant %q: %w", entry, err)
			}
			p.Name = addr.Name
			p.Email = strings.ToLower(addr.Address)
		} else {
			p.Name = entry
		}
		out = append(out, p)
	}
	return out, nil
}
