// Package broker implements the Output Broker (spec §4.C): it owns the
// single writer to an execution's output file, fans completed lines out to
// any number of subscribers in tail-from-start or tail-live mode, and
// disconnects subscribers that fall behind instead of ever blocking the
// writer.
//
// Grounded on the teacher's internal/websocket.Hub: a mutex-protected
// subscriber set plus a non-blocking send-or-drop broadcast
// (select{ case sub.ch <- line: default: disconnect }), adapted from
// WebSocket clients fanning out JSON events to per-execution subscribers
// fanning out transcript lines.
package broker

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/pytask-manager/engine/internal/errors"
	"github.com/pytask-manager/engine/internal/logger"
	"github.com/pytask-manager/engine/internal/models"
	"github.com/pytask-manager/engine/internal/runner"
)

// subscriberQueueSize bounds how far a subscriber may fall behind the
// writer before it is disconnected (spec §4.C, §8: slow consumers are
// dropped, never allowed to stall the execution).
const subscriberQueueSize = 1024

// Subscriber receives transcript lines for one execution, in arrival order.
type Subscriber struct {
	Lines <-chan string
	// Err is closed alongside Lines; a non-nil value after Lines closes
	// means the subscriber was dropped for falling behind rather than the
	// execution finishing normally.
	Err <-chan error

	ch       chan string
	errCh    chan error
	overflow bool
}

// Stream is the single writer + fan-out point for one execution's output.
type Stream struct {
	executionID int64

	mu     sync.Mutex
	file   *os.File
	lines  []string
	subs   map[*Subscriber]bool
	closed bool
}

// Manager opens and tracks one Stream per in-flight execution, rooted at
// the same per-script runtime directory the Environment Provisioner uses.
type Manager struct {
	scriptsDir string

	mu      sync.Mutex
	streams map[int64]*Stream
}

// New returns a Manager that writes output files under scriptsDir/<script_id>/.
func New(scriptsDir string) *Manager {
	return &Manager{
		scriptsDir: scriptsDir,
		streams:    make(map[int64]*Stream),
	}
}

func (m *Manager) outputPath(scriptID, executionID int64) string {
	return filepath.Join(m.scriptsDir, fmt.Sprintf("%d", scriptID), fmt.Sprintf("output_%d.txt", executionID))
}

// Open creates the output file for an execution and registers its Stream.
// Spec §6 requires the file to exist before the child process is spawned so
// a subscriber arriving early never races an ENOENT.
func (m *Manager) Open(scriptID, executionID int64) (*Stream, error) {
	path := m.outputPath(scriptID, executionID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, errors.ProvisionError(fmt.Errorf("create output file: %w", err))
	}

	s := &Stream{
		executionID: executionID,
		file:        f,
		subs:        make(map[*Subscriber]bool),
	}

	m.mu.Lock()
	m.streams[executionID] = s
	m.mu.Unlock()

	return s, nil
}

// Get returns the live Stream for an execution, if it is still running.
func (m *Manager) Get(executionID int64) (*Stream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[executionID]
	return s, ok
}

// Release drops the Manager's reference to a finished execution's Stream.
// Subscribers that already attached keep draining their own buffered
// backlog; Get reports false for the execution afterwards. The Coordinator
// removes the output file before it releases the Stream, so later readers
// get the log_output stored in the Execution Store.
func (m *Manager) Release(executionID int64) {
	m.mu.Lock()
	delete(m.streams, executionID)
	m.mu.Unlock()
}

// RemoveOutputFile deletes the per-execution output file once its final
// log_output has been committed to the Execution Store (spec §3 lifecycle,
// §4.E step 6). Missing files are not an error — cleanup is idempotent.
func (m *Manager) RemoveOutputFile(scriptID, executionID int64) error {
	if err := os.Remove(m.outputPath(scriptID, executionID)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Publish appends one line of child output, formats it per spec §5
// (stderr lines prefixed "ERROR: "), writes it to the output file, and
// fans it out to every live subscriber.
func (s *Stream) Publish(line runner.Line) {
	text := line.Text
	if line.IsStderr {
		text = "ERROR: " + text
	}
	s.append(text)
}

// Finish writes the terminal footer lines (spec §4.C, §8) and closes every
// subscriber's channel, then closes the output file.
func (s *Stream) Finish(status models.ExecutionStatus, exitCode int, timedOut bool) {
	log := logger.Broker()

	if exitCode != 0 && !timedOut {
		s.append(runner.ExitCodeFooter(exitCode))
	}
	if timedOut {
		s.append("Error: Execution timed out")
	}
	s.append(fmt.Sprintf("STATUS: %s", status))
	s.append("Execution finished.")

	s.mu.Lock()
	defer s.mu.Unlock()

	for sub := range s.subs {
		close(sub.ch)
		close(sub.errCh)
	}
	s.subs = nil
	s.closed = true

	if err := s.file.Close(); err != nil {
		log.Warn().Err(err).Int64("execution_id", s.executionID).Msg("failed to close output file")
	}
}

// FinalLog returns the full concatenation of every line published so far,
// newline-joined with a trailing newline — the I3 log_output the
// Coordinator persists to the Execution Store once the stream reaches a
// terminal status. Safe to call any time; most useful after Finish.
func (s *Stream) FinalLog() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.lines) == 0 {
		return ""
	}
	out := make([]byte, 0, 64*len(s.lines))
	for _, line := range s.lines {
		out = append(out, line...)
		out = append(out, '\n')
	}
	return string(out)
}

func (s *Stream) append(text string) {
	log := logger.Broker()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	s.lines = append(s.lines, text)
	if _, err := s.file.WriteString(text + "\n"); err != nil {
		log.Warn().Err(err).Int64("execution_id", s.executionID).Msg("failed to write output line")
	}

	for sub := range s.subs {
		select {
		case sub.ch <- text:
		default:
			sub.overflow = true
			sub.errCh <- errors.SubscriberOverflow()
			close(sub.ch)
			close(sub.errCh)
			delete(s.subs, sub)
		}
	}
}

// Subscribe attaches a new Subscriber. When fromStart is true the
// subscriber first receives every line already published, then continues
// to receive new lines live (spec §6: tail-from-start and tail-live
// modes). The replay and live registration happen under the same lock so
// no line is ever duplicated or skipped across the handoff.
func (s *Stream) Subscribe(fromStart bool) *Subscriber {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub := &Subscriber{
		ch:    make(chan string, subscriberQueueSize),
		errCh: make(chan error, 1),
	}
	sub.Lines = sub.ch
	sub.Err = sub.errCh

	if fromStart {
		for _, line := range s.lines {
			select {
			case sub.ch <- line:
			default:
				// Replay backlog already exceeds the subscriber's queue
				// capacity — apply the same overflow-and-disconnect policy
				// as the live-append path (spec §4.C) instead of blocking
				// the writer that holds s.mu.
				sub.overflow = true
				sub.errCh <- errors.SubscriberOverflow()
				close(sub.ch)
				close(sub.errCh)
				return sub
			}
		}
	}

	if s.closed {
		close(sub.ch)
		close(sub.errCh)
		return sub
	}

	if s.subs == nil {
		s.subs = make(map[*Subscriber]bool)
	}
	s.subs[sub] = true
	return sub
}

// Unsubscribe detaches a Subscriber before the stream finishes, e.g. when
// an HTTP client disconnects mid-stream.
func (s *Stream) Unsubscribe(sub *Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subs[sub]; !ok {
		return
	}
	delete(s.subs, sub)
	close(sub.ch)
	close(sub.errCh)
}
