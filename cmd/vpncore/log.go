package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/apex/log"
)

// logHandler prints entries with the time elapsed since start.
type logHandler struct {
	io.Writer
	start time.Time
	mu    sync.Mutex
}

func newLogHandler(w io.Writer, start time.Time) *logHandler {
	return &logHandler{Writer: w, start: start}
}

// HandleLog implements log.Handler.
func (h *logHandler) HandleLog(e *log.Entry) (err error) {
	elapsed := e.Timestamp.Sub(h.start).Seconds()
	var s string
	switch e.Level {
	case log.DebugLevel:
		s = fmt.Sprintf("[%14.6f] %s", elapsed, e.Message)
	case log.ErrorLevel, log.FatalLevel:
		s = fmt.Sprintf("[%14.6f] <!err> %s", elapsed, e.Message)
	default:
		s = fmt.Sprintf("[%14.6f] <%s> %s", elapsed, e.Level, e.Message)
	}
	if len(e.Fields) > 0 {
		s += fmt.Sprintf(": %+v", e.Fields)
	}
	s += "\n"
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err = h.Writer.Write([]byte(s))
	return
}

// verbosityLevel maps the -v flag (1 to 5, 1 is lowest) to a level.
func verbosityLevel(v uint16) log.Level {
	switch v {
	case 1:
		return log.FatalLevel
	case 2:
		return log.ErrorLevel
	case 3:
		return log.WarnLevel
	case 4:
		return log.InfoLevel
	default:
		return log.DebugLevel
	}
}
