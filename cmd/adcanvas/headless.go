// ABOUTME: Headless mode: submits one product URL and prints transcript lines as they are displayed.
// ABOUTME: Exits when the job has finished and the message sequencer has drained.
package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/2389-research/adcanvas/chat"
	"github.com/2389-research/adcanvas/session"
)

const drainPoll = 250 * time.Millisecond

// headlessSession is the part of *session.Session headless mode drives.
type headlessSession interface {
	Generate(ctx context.Context, productURL string, nImages int) (string, error)
	Cancel(ctx context.Context) bool
	Processing() bool
	PendingMessages() int
	Subscribe() chan session.Update
	Unsubscribe(ch chan session.Update)
}

// runHeadless returns 0 when the job completed and 1 when it failed or was cancelled.
func runHeadless(ctx context.Context, s headlessSession, productURL string, nImages int, out io.Writer) int {
	updates := s.Subscribe()
	defer s.Unsubscribe(updates)

	if _, err := s.Generate(ctx, productURL, nImages); err != nil {
		fmt.Fprintf(out, "error: %v\n", err)
		return 1
	}

	p := &printer{out: out}
	ticker := time.NewTicker(drainPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.Cancel(context.WithoutCancel(ctx))
			fmt.Fprintln(out, "interrupted")
			return 1
		case u, ok := <-updates:
			if !ok {
				return p.exitCode()
			}
			p.handle(u)
		case <-ticker.C:
		}
		if !s.Processing() && s.PendingMessages() == 0 {
			p.drain(updates)
			return p.exitCode()
		}
	}
}

// printer writes displayed messages and remembers whether the job ended badly.
type printer struct {
	out    io.Writer
	failed bool
}

func (p *printer) handle(u session.Update) {
	if u.Kind != session.UpdateTranscript || u.Transcript.Kind != chat.ChangeAppended {
		return
	}
	msg := u.Transcript.Message
	if msg.Type == chat.TypeError || msg.Type == chat.TypeCancelled {
		p.failed = true
	}
	fmt.Fprintln(p.out, formatLine(msg))
}

// drain handles updates already buffered when the job was seen to finish.
func (p *printer) drain(updates <-chan session.Update) {
	for {
		select {
		case u, ok := <-updates:
			if !ok {
				return
			}
			p.handle(u)
		default:
			return
		}
	}
}

func (p *printer) exitCode() int {
	if p.failed {
		return 1
	}
	return 0
}

// formatLine renders a transcript message as plain text.
func formatLine(msg chat.Message) string {
	var b strings.Builder
	switch {
	case msg.Role == chat.RoleUser:
		b.WriteString("> ")
	case msg.IsTemporary:
		b.WriteString("… ")
	case msg.Type == chat.TypeError:
		b.WriteString("! ")
	default:
		b.WriteString("  ")
	}
	b.WriteString(msg.Content)
	for _, u := range msg.ImageURLs {
		b.WriteString("\n    ")
		b.WriteString(u)
	}
	return b.String()
}
