// ABOUTME: Server-Sent Events framing for job event streams, both reading and writing.
// ABOUTME: Parses text/event-stream per the W3C EventSource rules and tracks the last event ID for resume.
package sse

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Event represents a single Server-Sent Event parsed from a stream.
type Event struct {
	Type    string // from "event:" line, defaults to "message"
	Data    string // from "data:" line(s), joined with newlines for multi-line
	ID      string // from "id:" line, or the last ID seen on the stream
	Retry   int    // from "retry:" line, -1 if not set
	Comment string // text of a ":" comment line when comments are surfaced
}

// IsComment reports whether the event is a surfaced comment line (e.g. ":heartbeat").
func (e Event) IsComment() bool {
	return e.Type == "" && e.Comment != ""
}

// Option configures a Parser.
type Option func(*Parser)

// WithComments makes Next return comment lines as events instead of skipping them.
// Servers send comments as keep-alives, and a watchdog needs to see them.
func WithComments() Option {
	return func(p *Parser) { p.comments = true }
}

// Parser reads SSE events from an io.Reader.
type Parser struct {
	scanner  *lineScanner
	done     bool
	comments bool

	// Accumulation state for the current event being built.
	eventType string
	dataLines []string
	hasData   bool
	retry     int

	// lastID persists across events, as EventSource's last event ID buffer does.
	lastID string
}

// NewParser creates a new SSE parser that reads from the given reader.
func NewParser(reader io.Reader, opts ...Option) *Parser {
	p := &Parser{
		scanner: newLineScanner(reader),
		retry:   -1,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// LastEventID returns the most recent "id:" value seen on the stream.
func (p *Parser) LastEventID() string {
	return p.lastID
}

// Next returns the next SSE event from the stream.
// Returns io.EOF when the stream ends.
func (p *Parser) Next() (Event, error) {
	if p.done {
		return Event{}, io.EOF
	}

	for {
		line, err := p.scanner.readLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				p.done = true
				if p.hasData {
					evt := p.buildEvent()
					p.resetState()
					return evt, nil
				}
				return Event{}, io.EOF
			}
			return Event{}, err
		}

		// A blank line dispatches the current event.
		if line == "" {
			if !p.hasData {
				continue
			}
			evt := p.buildEvent()
			p.resetState()
			return evt, nil
		}

		if strings.HasPrefix(line, ":") {
			if p.comments {
				text := strings.TrimSpace(line[1:])
				if text == "" {
					text = "keep-alive"
				}
				return Event{Comment: text, ID: p.lastID, Retry: -1}, nil
			}
			continue
		}

		field, value := parseLine(line)
		p.processField(field, value)
	}
}

// parseLine splits an SSE line into field name and value.
// The value has a single leading space stripped.
func parseLine(line string) (field, value string) {
	colonIdx := strings.IndexByte(line, ':')
	if colonIdx == -1 {
		return line, ""
	}
	field = line[:colonIdx]
	value = strings.TrimPrefix(line[colonIdx+1:], " ")
	return field, value
}

func (p *Parser) processField(field, value string) {
	switch field {
	case "event":
		p.eventType = value
	case "data":
		p.dataLines = append(p.dataLines, value)
		p.hasData = true
	case "id":
		// IDs containing NUL are ignored per the EventSource rules.
		if !strings.ContainsRune(value, 0) {
			p.lastID = value
		}
	case "retry":
		if n, err := strconv.Atoi(value); err == nil {
			p.retry = n
		}
	}
}

func (p *Parser) buildEvent() Event {
	eventType := p.eventType
	if eventType == "" {
		eventType = "message"
	}
	return Event{
		Type:  eventType,
		Data:  strings.Join(p.dataLines, "\n"),
		ID:    p.lastID,
		Retry: p.retry,
	}
}

func (p *Parser) resetState() {
	p.eventType = ""
	p.dataLines = nil
	p.hasData = false
	p.retry = -1
}

// lineScanner reads lines handling CR, LF, and CRLF terminators.
// bufio.Scanner does not treat a bare CR as a line ending.
type lineScanner struct {
	reader *bufio.Reader
}

func newLineScanner(r io.Reader) *lineScanner {
	return &lineScanner{reader: bufio.NewReaderSize(r, 4096)}
}

func (s *lineScanner) readLine() (string, error) {
	var line strings.Builder
	for {
		b, err := s.reader.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) && line.Len() > 0 {
				return line.String(), nil
			}
			return "", err
		}

		switch b {
		case '\n':
			return line.String(), nil
		case '\r':
			if next, err := s.reader.ReadByte(); err == nil && next != '\n' {
				_ = s.reader.UnreadByte()
			}
			return line.String(), nil
		}

		line.WriteByte(b)
	}
}

// WriteEvent writes one event in text/event-stream framing. Multi-line data is
// split across several "data:" lines.
func WriteEvent(w io.Writer, evt Event) error {
	var b strings.Builder
	if evt.ID != "" {
		fmt.Fprintf(&b, "id: %s\n", evt.ID)
	}
	if evt.Type != "" && evt.Type != "message" {
		fmt.Fprintf(&b, "event: %s\n", evt.Type)
	}
	if evt.Retry > 0 {
		fmt.Fprintf(&b, "retry: %d\n", evt.Retry)
	}
	for _, line := range strings.Split(evt.Data, "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteString("\n")
	_, err := io.WriteString(w, b.String())
	return err
}

// WriteComment writes a comment line, used by servers as a keep-alive.
func WriteComment(w io.Writer, text string) error {
	_, err := fmt.Fprintf(w, ":%s\n\n", text)
	return err
}
