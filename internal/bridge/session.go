// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/agent-forge/agentforge/lib/tmux"
	"golang.org/x/sys/unix"
)

// Session attaches once to an agent's tmux pane via a dedicated PTY
// and fans the output out to any number of subscribers, accepting
// input from whichever subscriber currently holds write access.
// Grounded on observe/relay.go, narrowed from a generic "observe any
// principal" session to one pane per agent and widened from a single
// observer to many.
type Session struct {
	AgentID     string
	SessionName string

	server *tmux.Server
	logger *slog.Logger

	ring *RingBuffer

	master *os.File
	cmd    *exec.Cmd

	mu          sync.Mutex
	subscribers map[*Subscriber]struct{}
	writer      *Subscriber // the subscriber currently allowed to send input, if any

	done      chan struct{}
	closeOnce sync.Once
}

// Subscriber is one fanned-out consumer of a Session's output, e.g. a
// browser tab connected over a websocket.
type Subscriber struct {
	Send chan Message // buffered; session drops the subscriber if it fills up
}

const subscriberMailboxSize = 256

// NewSession attaches to sessionName on server and begins relaying its
// output into an internal ring buffer. The attach itself is
// synchronous; forwarding continues in a background goroutine until
// Close is called or the tmux session ends.
func NewSession(server *tmux.Server, agentID, sessionName string, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}

	master, slavePath, err := openPTY()
	if err != nil {
		return nil, fmt.Errorf("bridge: allocate pty for %s: %w", sessionName, err)
	}

	slave, err := os.OpenFile(slavePath, os.O_RDWR, 0)
	if err != nil {
		master.Close()
		return nil, fmt.Errorf("bridge: open pty slave %s: %w", slavePath, err)
	}

	cmd := server.Command("attach-session", "-t", sessionName)
	cmd.Stdin = slave
	cmd.Stdout = slave
	cmd.Stderr = slave
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true, Setctty: true, Ctty: 0}

	if err := cmd.Start(); err != nil {
		slave.Close()
		master.Close()
		return nil, fmt.Errorf("bridge: start tmux attach for %s: %w", sessionName, err)
	}
	slave.Close()

	session := &Session{
		AgentID:     agentID,
		SessionName: sessionName,
		server:      server,
		logger:      logger.With("agent_id", agentID, "session", sessionName),
		ring:        NewRingBuffer(DefaultRingBufferSize),
		master:      master,
		cmd:         cmd,
		subscribers: make(map[*Subscriber]struct{}),
		done:        make(chan struct{}),
	}

	go session.pump()
	go session.waitExit()

	return session, nil
}

// pump copies PTY output into the ring buffer and fans it out to every
// current subscriber.
func (s *Session) pump() {
	buf := make([]byte, 4096)
	for {
		n, err := s.master.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			s.ring.Write(chunk)
			s.broadcast(NewDataMessage(chunk))
		}
		if err != nil {
			s.Close()
			return
		}
	}
}

func (s *Session) waitExit() {
	err := s.cmd.Wait()
	if err != nil && !isNormalTmuxExit(err) {
		s.logger.Warn("tmux attach exited unexpectedly", "error", err)
	}
	s.Close()
}

func (s *Session) broadcast(message Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subscribers {
		select {
		case sub.Send <- message:
		default:
			s.logger.Warn("dropping slow bridge subscriber")
			delete(s.subscribers, sub)
			close(sub.Send)
		}
	}
}

// Subscribe registers a new subscriber and returns it along with a
// metadata message and a history message it should send first,
// matching the handshake order of observe/relay.go (metadata, then
// history, then live data).
func (s *Session) Subscribe() (*Subscriber, Message, Message, error) {
	metadata, err := s.queryMetadata()
	if err != nil {
		return nil, Message{}, Message{}, err
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, Message{}, Message{}, fmt.Errorf("bridge: marshal metadata: %w", err)
	}

	sub := &Subscriber{Send: make(chan Message, subscriberMailboxSize)}

	s.mu.Lock()
	s.subscribers[sub] = struct{}{}
	s.mu.Unlock()

	history := s.ring.ReadFrom(0)
	if history == nil {
		history = []byte{}
	}

	return sub, NewMetadataMessage(metadataJSON), NewHistoryMessage(history), nil
}

// Unsubscribe removes a subscriber, releasing write access if it held
// it.
func (s *Session) Unsubscribe(sub *Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subscribers[sub]; ok {
		delete(s.subscribers, sub)
		close(sub.Send)
	}
	if s.writer == sub {
		s.writer = nil
	}
}

// GrantWrite makes sub the sole subscriber whose Data/Resize messages
// are applied to the PTY. Only one subscriber can hold write access at
// a time; spec.md §4.7 leaves arbitration policy to the caller
// (typically: last human to type wins).
func (s *Session) GrantWrite(sub *Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writer = sub
}

// HandleInbound applies a message received from sub if sub currently
// holds write access. Data messages are written to the PTY; Resize
// messages adjust the PTY window size.
func (s *Session) HandleInbound(sub *Subscriber, message Message) error {
	s.mu.Lock()
	isWriter := s.writer == sub
	s.mu.Unlock()
	if !isWriter {
		return nil
	}

	switch message.Type {
	case MessageTypeData:
		if len(message.Payload) == 0 {
			return nil
		}
		_, err := s.master.Write(message.Payload)
		return err
	case MessageTypeResize:
		columns, rows, err := ParseResizePayload(message.Payload)
		if err != nil {
			return nil
		}
		return setWindowSize(int(s.master.Fd()), columns, rows)
	}
	return nil
}

// Close tears the session down: signals tmux to detach, closes the
// PTY master, and closes every subscriber's mailbox. Idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		_ = s.cmd.Process.Signal(syscall.SIGTERM)
		s.master.Close()

		s.mu.Lock()
		for sub := range s.subscribers {
			close(sub.Send)
		}
		s.subscribers = nil
		s.mu.Unlock()

		close(s.done)
	})
}

// Done returns a channel closed when the session has ended.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) queryMetadata() (MetadataPayload, error) {
	output, err := s.server.Run("list-panes",
		"-t", s.SessionName,
		"-F", "#{pane_index}\t#{pane_current_command}\t#{pane_width}\t#{pane_height}\t#{pane_active}")
	if err != nil {
		return MetadataPayload{}, fmt.Errorf("bridge: query %s metadata: %w", s.SessionName, err)
	}

	var panes []PaneInfo
	for _, line := range strings.Split(strings.TrimRight(output, "\n"), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 5 {
			continue
		}
		index, _ := strconv.Atoi(fields[0])
		width, _ := strconv.Atoi(fields[2])
		height, _ := strconv.Atoi(fields[3])
		panes = append(panes, PaneInfo{
			Index:   index,
			Command: fields[1],
			Width:   width,
			Height:  height,
			Active:  fields[4] == "1",
		})
	}

	return MetadataPayload{AgentID: s.AgentID, Session: s.SessionName, Panes: panes}, nil
}

func openPTY() (master *os.File, slavePath string, err error) {
	master, err = os.OpenFile("/dev/ptmx", os.O_RDWR|syscall.O_NOCTTY, 0)
	if err != nil {
		return nil, "", fmt.Errorf("open /dev/ptmx: %w", err)
	}

	fd := int(master.Fd())

	ptyNumber, err := unix.IoctlGetInt(fd, unix.TIOCGPTN)
	if err != nil {
		master.Close()
		return nil, "", fmt.Errorf("get pty number: %w", err)
	}
	if err := unix.IoctlSetPointerInt(fd, unix.TIOCSPTLCK, 0); err != nil {
		master.Close()
		return nil, "", fmt.Errorf("unlock pty slave: %w", err)
	}

	return master, fmt.Sprintf("/dev/pts/%d", ptyNumber), nil
}

func setWindowSize(fd int, columns, rows uint16) error {
	return unix.IoctlSetWinsize(fd, unix.TIOCSWINSZ, &unix.Winsize{Col: columns, Row: rows})
}

// isNormalTmuxExit reports whether err represents an expected tmux
// exit during session teardown (clean exit, PTY-closed exit, or a
// SIGTERM we sent ourselves).
func isNormalTmuxExit(err error) bool {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return err == nil
	}
	if exitErr.ExitCode() == 0 || exitErr.ExitCode() == 1 {
		return true
	}
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	return ok && status.Signaled() && status.Signal() == syscall.SIGTERM
}
