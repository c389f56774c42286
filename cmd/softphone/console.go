package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"callconsole/internal/audit"
	"callconsole/internal/calls"
	"callconsole/internal/sipua"
)

const help = `commands:
  call [NUMBER]      create a peer call and print its code
  join CODE          answer a peer call
  loopback           run the local media self-test
  sip TARGET         place a SIP call
  transfer TARGET    transfer the active SIP call
  register           retry SIP registration
  mute | camera      toggle local audio / video
  hangup             end the active call
  status | history | log
  quit`

// phone is the part of the orchestrator the console drives.
type phone interface {
	StartSIP(ctx context.Context) error
	StartCall(ctx context.Context, dialedNumber string) (string, error)
	JoinCall(ctx context.Context, code string) error
	StartLoopback(ctx context.Context) error
	CallSIP(ctx context.Context, target string) error
	Transfer(ctx context.Context, target string) error
	Hangup(ctx context.Context)
	ToggleMute() (bool, error)
	ToggleCamera() (bool, error)
	Status() calls.Status
	SIPStatus() (sipua.Status, string)
	History() []audit.Event
	Log() []audit.Event
	Subscribe() (<-chan calls.Status, func())
}

var errQuit = errors.New("quit")

type console struct {
	p   phone
	out io.Writer
}

func newConsole(p phone, out io.Writer) *console {
	return &console{p: p, out: out}
}

// run reads commands until EOF, quit or ctx is done.
func (c *console) run(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Fprintln(c.out, help)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			err := c.exec(ctx, line)
			if errors.Is(err, errQuit) {
				return nil
			}
			if err != nil {
				fmt.Fprintf(c.out, "error: %v\n", err)
			}
		}
	}
}

// watch prints every status transition.
func (c *console) watch(ctx context.Context) {
	ch, cancel := c.p.Subscribe()
	defer cancel()
	var last calls.Status
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-ch:
			if s.Phase == last.Phase && s.Reason == last.Reason && s.Origin == last.Origin {
				continue
			}
			last = s
			fmt.Fprintf(c.out, "[%s] %s\n", s.Variant(), describe(s))
		}
	}
}

func (c *console) exec(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]
	arg := strings.Join(args, " ")

	switch cmd {
	case "call":
		code, err := c.p.StartCall(ctx, arg)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "call code: %s\n", code)
	case "join":
		if arg == "" {
			return errors.New("usage: join CODE")
		}
		return c.p.JoinCall(ctx, arg)
	case "loopback":
		return c.p.StartLoopback(ctx)
	case "sip":
		if arg == "" {
			return errors.New("usage: sip TARGET")
		}
		return c.p.CallSIP(ctx, arg)
	case "transfer":
		if arg == "" {
			return errors.New("usage: transfer TARGET")
		}
		return c.p.Transfer(ctx, arg)
	case "register":
		return c.p.StartSIP(ctx)
	case "mute":
		muted, err := c.p.ToggleMute()
		if err != nil {
			return err
		}
		fmt.Fprintln(c.out, onOff("muted", muted))
	case "camera":
		off, err := c.p.ToggleCamera()
		if err != nil {
			return err
		}
		fmt.Fprintln(c.out, onOff("camera off", off))
	case "hangup":
		c.p.Hangup(ctx)
	case "status":
		st, detail := c.p.SIPStatus()
		fmt.Fprintf(c.out, "call: %s\nsip: %s %s\n", describe(c.p.Status()), st, detail)
	case "history":
		printEvents(c.out, c.p.History())
	case "log":
		printEvents(c.out, c.p.Log())
	case "help":
		fmt.Fprintln(c.out, help)
	case "quit", "exit":
		return errQuit
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
	return nil
}

func describe(s calls.Status) string {
	var b strings.Builder
	b.WriteString(string(s.Phase))
	if s.Origin != "" && s.Origin != calls.OriginNone {
		fmt.Fprintf(&b, " (%s)", s.Origin)
	}
	if s.CallCode != "" {
		fmt.Fprintf(&b, " code=%s", s.CallCode)
	}
	if s.Remote != "" {
		fmt.Fprintf(&b, " remote=%s", s.Remote)
	}
	if s.Reason != "" {
		fmt.Fprintf(&b, ": %s", s.Reason)
	}
	return b.String()
}

func printEvents(w io.Writer, events []audit.Event) {
	if len(events) == 0 {
		fmt.Fprintln(w, "(empty)")
		return
	}
	for _, e := range events {
		text := e.Message
		if e.Type == audit.EventTypeCall {
			text = e.Label + " " + e.Details
		}
		fmt.Fprintf(w, "%s  %s\n", e.CreatedAt.Local().Format(time.TimeOnly), text)
	}
}

func onOff(label string, on bool) string {
	if on {
		return label
	}
	return "not " + label
}
