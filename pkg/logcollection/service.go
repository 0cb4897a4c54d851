package logcollection

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ethchange/taskrunner/pkg/errors"
	"github.com/ethchange/taskrunner/pkg/logging"
)

// StreamType identifies the source stream
type StreamType string

const (
	StdoutStream StreamType = "stdout"
	StderrStream StreamType = "stderr"
)

const maxLineLength = 1024 * 1024

type Config struct {
	// Dir receives one <process>.log file per process; empty disables files
	Dir string

	// Console receives every line prefixed with the process name; nil disables echo
	Console io.Writer
}

// ProcessLogStatus provides status information for a specific process
type ProcessLogStatus struct {
	ProcessID      string
	Active         bool
	LinesProcessed int64
	BytesProcessed int64
	LastActivity   time.Time
	File           string
	Errors         []string
}

// Service collects the output streams of background processes
type Service struct {
	config  Config
	logger  logging.Logger
	console *lockedWriter

	mutex     sync.Mutex
	processes map[string]*ProcessCollector
}

func NewService(config Config, logger logging.Logger) *Service {
	s := &Service{
		config:    config,
		logger:    logger,
		processes: make(map[string]*ProcessCollector),
	}
	if config.Console != nil {
		s.console = &lockedWriter{w: config.Console}
	}
	return s
}

// RegisterProcess prepares collection for one process. A process registered again under
// the same id replaces the earlier collector and appends to the same file.
func (s *Service) RegisterProcess(processID string) (*ProcessCollector, error) {
	if processID == "" {
		return nil, errors.NewValidationError("process ID cannot be empty", nil)
	}

	collector := &ProcessCollector{
		processID: processID,
		console:   s.console,
		logger:    s.logger,
	}

	if s.config.Dir != "" {
		path := filepath.Join(s.config.Dir, processID+".log")
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, errors.NewIOError("failed to open process log file", err).
				WithContext("process_id", processID).
				WithContext("path", path)
		}
		collector.file = &fileWriter{path: path, file: file, writer: bufio.NewWriter(file)}
	}

	s.mutex.Lock()
	s.processes[processID] = collector
	s.mutex.Unlock()

	s.logger.Debugf("Registered process for log collection, process: %s", processID)
	return collector, nil
}

func (s *Service) GetProcessStatus(processID string) (*ProcessLogStatus, error) {
	s.mutex.Lock()
	collector, ok := s.processes[processID]
	s.mutex.Unlock()

	if !ok {
		return nil, errors.NewNotFoundError("process is not registered for log collection", nil).
			WithContext("process_id", processID)
	}
	return collector.Status(), nil
}

// Close stops every collector
func (s *Service) Close() error {
	s.mutex.Lock()
	collectors := make([]*ProcessCollector, 0, len(s.processes))
	for _, c := range s.processes {
		collectors = append(collectors, c)
	}
	s.mutex.Unlock()

	var firstErr error
	for _, c := range collectors {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ProcessCollector turns the streams of one process into prefixed, timestamped lines
type ProcessCollector struct {
	processID string
	file      *fileWriter
	console   *lockedWriter
	logger    logging.Logger

	wg      sync.WaitGroup
	mutex   sync.Mutex
	writers []*io.PipeWriter
	closed  bool

	active         int
	linesProcessed int64
	bytesProcessed int64
	lastActivity   time.Time
	errors         []string
}

// Stream returns a writer for one output stream of the process; assign it to exec.Cmd.Stdout
// or Stderr. Lines are processed as they arrive.
func (c *ProcessCollector) Stream(streamType StreamType) io.Writer {
	reader, writer := io.Pipe()

	c.mutex.Lock()
	c.writers = append(c.writers, writer)
	c.active++
	c.mutex.Unlock()

	c.wg.Add(1)
	go c.streamReader(reader, streamType)
	return writer
}

func (c *ProcessCollector) streamReader(stream *io.PipeReader, streamType StreamType) {
	defer c.wg.Done()

	reader := bufio.NewReaderSize(stream, 64*1024)
	var line []byte
	truncated := false

	for {
		fragment, isPrefix, err := reader.ReadLine()
		if err != nil {
			if err != io.EOF {
				c.logger.Warnf("Error reading process output, process: %s, stream: %s, error: %v", c.processID, streamType, err)
				c.recordError(fmt.Sprintf("stream reading error: %v", err))
				// keep the writer side from blocking
				_, _ = io.Copy(io.Discard, stream)
			}
			if len(line) > 0 {
				c.processLogLine(string(line), streamType)
			}
			break
		}

		// lines over maxLineLength keep their head, the rest is dropped
		if room := maxLineLength - len(line); len(fragment) > room {
			fragment = fragment[:room]
			truncated = true
		}
		line = append(line, fragment...)
		if isPrefix {
			continue
		}

		if truncated {
			c.recordError(fmt.Sprintf("%s line truncated to %d bytes", streamType, maxLineLength))
		}
		c.processLogLine(string(line), streamType)
		line = line[:0]
		truncated = false
	}

	c.mutex.Lock()
	c.active--
	c.mutex.Unlock()
}

func (c *ProcessCollector) processLogLine(line string, streamType StreamType) {
	now := time.Now()

	c.mutex.Lock()
	c.linesProcessed++
	c.bytesProcessed += int64(len(line))
	c.lastActivity = now
	c.mutex.Unlock()

	if c.console != nil {
		if _, err := fmt.Fprintf(c.console, "[%s] %s\n", c.processID, line); err != nil {
			c.recordError(fmt.Sprintf("console write error: %v", err))
		}
	}

	if c.file != nil {
		if err := c.file.WriteLine(now, streamType, line); err != nil {
			c.recordError(fmt.Sprintf("file write error: %v", err))
		}
	}
}

func (c *ProcessCollector) recordError(message string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	const maxErrors = 10
	if len(c.errors) >= maxErrors {
		c.errors = c.errors[1:]
	}
	c.errors = append(c.errors, message)
}

// Close ends every stream, waits for pending lines and closes the log file
func (c *ProcessCollector) Close() error {
	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return nil
	}
	c.closed = true
	writers := c.writers
	c.mutex.Unlock()

	for _, w := range writers {
		_ = w.Close()
	}
	c.wg.Wait()

	if c.file != nil {
		return c.file.Close()
	}
	return nil
}

func (c *ProcessCollector) Status() *ProcessLogStatus {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	status := &ProcessLogStatus{
		ProcessID:      c.processID,
		Active:         c.active > 0,
		LinesProcessed: c.linesProcessed,
		BytesProcessed: c.bytesProcessed,
		LastActivity:   c.lastActivity,
		Errors:         append([]string(nil), c.errors...),
	}
	if c.file != nil {
		status.File = c.file.path
	}
	return status
}

type fileWriter struct {
	path   string
	file   *os.File
	writer *bufio.Writer
	mutex  sync.Mutex
}

func (f *fileWriter) WriteLine(timestamp time.Time, streamType StreamType, line string) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if _, err := fmt.Fprintf(f.writer, "[%s][%s] %s\n", timestamp.Format(time.RFC3339), streamType, line); err != nil {
		return err
	}
	return f.writer.Flush()
}

func (f *fileWriter) Close() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	flushErr := f.writer.Flush()
	if err := f.file.Close(); err != nil {
		return err
	}
	return flushErr
}

// lockedWriter serializes whole lines from concurrent streams
type lockedWriter struct {
	mutex sync.Mutex
	w     io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.w.Write(p)
}
