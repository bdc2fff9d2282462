package pipewire

import (
	"bufio"
	"context"
	"errors"
	"strings"
	"sync"

	"cablectl/internal/execx"
	"cablectl/internal/loopback"
	"cablectl/internal/model"
)

// DefaultIODelayCommand runs jack_iodelay through the PipeWire JACK shim.
var DefaultIODelayCommand = []string{"pw-jack", "jack_iodelay"}

// DefaultIODelayNode is the node.name jack_iodelay registers.
const DefaultIODelayNode = "jack_delay"

// IODelay launches jack_iodelay sessions.
type IODelay struct {
	c       *Client
	command []string
	node    string
}

// IODelay returns a loopback.Measurer running command, whose graph node is
// registered as node. Empty arguments select the defaults.
func (c *Client) IODelay(command []string, node string) *IODelay {
	if len(command) == 0 {
		command = DefaultIODelayCommand
	}
	if node == "" {
		node = DefaultIODelayNode
	}
	return &IODelay{c: c, command: command, node: node}
}

var _ loopback.Measurer = (*IODelay)(nil)

func (m *IODelay) Launch(ctx context.Context) (loopback.Session, error) {
	p, err := m.c.r.Start(ctx, m.command[0], m.command[1:]...)
	if err != nil {
		if execx.NotFound(err) {
			return nil, model.Wrap(model.CodeMeasurementFailed, err, "measurement utility not installed")
		}
		return nil, model.Wrap(model.CodeMeasurementFailed, err, "launch measurement utility")
	}
	s := &iodelaySession{
		p:        p,
		node:     m.node,
		readings: make(chan string, 1),
		exited:   make(chan struct{}),
	}
	go s.read()
	return s, nil
}

type iodelaySession struct {
	p        execx.Process
	node     string
	readings chan string
	exited   chan struct{}

	mu      sync.Mutex
	raw     strings.Builder
	waitErr error

	closeOnce sync.Once
}

func (s *iodelaySession) NodeName() string { return s.node }

// read scans utility output. Lines that carry a latency reading are offered
// to Result; the newest reading replaces an unconsumed older one.
func (s *iodelaySession) read() {
	sc := bufio.NewScanner(s.p.Stdout())
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		s.mu.Lock()
		s.raw.WriteString(line)
		s.raw.WriteByte('\n')
		s.mu.Unlock()
		if _, err := loopback.ParseDelay(line); err != nil {
			continue
		}
		select {
		case s.readings <- line:
		default:
			select {
			case <-s.readings:
			default:
			}
			s.readings <- line
		}
	}
	err := s.p.Wait()
	s.mu.Lock()
	s.waitErr = err
	s.mu.Unlock()
	close(s.exited)
}

// Result returns the first latency line, or on a clean exit everything the
// utility printed.
func (s *iodelaySession) Result(ctx context.Context) (string, error) {
	select {
	case line := <-s.readings:
		return line, nil
	case <-s.exited:
		select {
		case line := <-s.readings:
			return line, nil
		default:
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		msg := strings.TrimSpace(s.raw.String())
		if s.waitErr != nil {
			return msg, model.Wrap(model.CodeMeasurementFailed, s.waitErr, "measurement utility exited")
		}
		if msg == "" {
			return "", model.Wrap(model.CodeMeasurementFailed, errors.New("no output"), "measurement utility exited")
		}
		// A clean exit with output hands the text to the caller's parser.
		return msg, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *iodelaySession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.p.Kill()
		<-s.exited
	})
	return err
}
