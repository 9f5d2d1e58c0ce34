package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

const (
	// maxConsecutiveParseErrors is the circuit-breaker threshold: this many
	// unparsable frames in a row and the connection is considered poisoned.
	maxConsecutiveParseErrors = 5

	// maxDiagBuffer caps the diagnostic side channel. A stream that never
	// emits a newline is force-flushed at this size.
	maxDiagBuffer = 1 << 20

	badFramePreview = 160
)

// FrameHandler receives the framer's output.
type FrameHandler interface {
	// HandleMessage is called once per successfully parsed frame.
	HandleMessage(msg Message)
	// HandleDiag is called once per classified diagnostic line.
	HandleDiag(level zerolog.Level, line string)
	// HandleParseError is called for every unparsable frame.
	HandleParseError(err error)
	// HandleBreaker is called at most once per run, when the consecutive
	// parse-error threshold is reached. The connection should be torn down.
	HandleBreaker(err error)
}

// Framer turns the agent's raw output streams into discrete messages and
// leveled diagnostic lines. It is not safe for concurrent use; each stream
// must feed it from a single goroutine, and Ingest/IngestDiag callers must
// not race each other.
type Framer struct {
	handler FrameHandler
	log     zerolog.Logger

	buf     []byte
	diagBuf []byte
	errs    int
	tripped bool
}

// NewFramer wires a framer to its handler.
func NewFramer(log zerolog.Logger, handler FrameHandler) *Framer {
	return &Framer{handler: handler, log: log}
}

// Reset clears buffered data and re-arms the circuit breaker. Called when a
// connection restarts.
func (f *Framer) Reset() {
	f.buf = nil
	f.diagBuf = nil
	f.errs = 0
	f.tripped = false
}

// Ingest consumes message-stream bytes. Frames are NUL-delimited JSON; a
// frame may span multiple chunks and one chunk may hold several frames.
func (f *Framer) Ingest(p []byte) {
	f.buf = append(f.buf, p...)
	for {
		idx := bytes.IndexByte(f.buf, 0)
		if idx < 0 {
			return
		}
		segment := bytes.TrimSpace(f.buf[:idx])
		f.buf = f.buf[idx+1:]
		if len(segment) == 0 {
			continue
		}
		f.dispatch(segment)
	}
}

func (f *Framer) dispatch(segment []byte) {
	if f.tripped {
		return
	}
	var msg Message
	if err := json.Unmarshal(segment, &msg); err != nil {
		f.errs++
		preview := segment
		if len(preview) > badFramePreview {
			preview = preview[:badFramePreview]
		}
		f.log.Error().
			Err(err).
			Int("consecutive", f.errs).
			Str("frame", string(preview)).
			Msg("unparsable agent frame")
		f.handler.HandleParseError(err)
		if f.errs >= maxConsecutiveParseErrors {
			f.tripped = true
			f.handler.HandleBreaker(fmt.Errorf("%d consecutive unparsable frames: %w", f.errs, err))
		}
		return
	}
	f.errs = 0
	f.handler.HandleMessage(msg)
}

// IngestDiag consumes diagnostic (stderr) bytes, emitting one handler call
// per line.
func (f *Framer) IngestDiag(p []byte) {
	f.diagBuf = append(f.diagBuf, p...)
	for {
		idx := bytes.IndexByte(f.diagBuf, '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimRight(string(f.diagBuf[:idx]), "\r")
		f.diagBuf = f.diagBuf[idx+1:]
		if strings.TrimSpace(line) == "" {
			continue
		}
		f.emitDiag(line)
	}
	// A runaway stream with no newline would grow without bound otherwise.
	if len(f.diagBuf) > maxDiagBuffer {
		line := string(f.diagBuf)
		f.diagBuf = nil
		f.emitDiag(line)
	}
}

func (f *Framer) emitDiag(line string) {
	level, text := classifyDiagLine(line)
	f.handler.HandleDiag(level, text)
}

// classifyDiagLine maps an agent stderr line to a log level. Structured JSON
// lines pass through at info; bracketed-level lines are stripped and
// re-leveled; anything else is treated as an error, since unclassified stderr
// usually means a crash or traceback.
func classifyDiagLine(line string) (zerolog.Level, string) {
	trimmed := strings.TrimSpace(line)
	if strings.HasPrefix(trimmed, "{") && json.Valid([]byte(trimmed)) {
		return zerolog.InfoLevel, trimmed
	}
	for prefix, level := range diagMarkers {
		if strings.HasPrefix(trimmed, prefix) {
			return level, strings.TrimSpace(trimmed[len(prefix):])
		}
	}
	return zerolog.ErrorLevel, trimmed
}

var diagMarkers = map[string]zerolog.Level{
	"[INFO]":  zerolog.InfoLevel,
	"[WARN]":  zerolog.WarnLevel,
	"[ERROR]": zerolog.ErrorLevel,
	"[DEBUG]": zerolog.DebugLevel,
}
