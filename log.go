// Copyright 2026 The Tunnelguard Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tunnelguard

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Log levels used in guardian log lines.
const (
	LevelInfo    = "INFO"
	LevelWarning = "WARNING"
	LevelError   = "ERROR"
)

const MaxLogRecords = 1000

type LogRecord struct {
	Id   int64     `json:"id,string"`
	Time time.Time `json:"time"`
	Text string    `json:"text"`
}

// Log is a fixed size in-memory ring of log records.  Record ids increase
// monotonically, so a consumer can pass back the last id it saw and learn
// cheaply whether anything new has arrived.  Ids are not unique across
// different Log instances.
type Log struct {
	records    []LogRecord
	numRecords int
	maxRecords int
	id         int64
	mx         sync.Mutex
}

// Write implements the Writer interface.  Input is expected to be text,
// delimited by newlines, delivered a whole line at a time.
func (l *Log) Write(b []byte) (int, error) {
	str := strings.Trim(string(b), "\n")
	l.mx.Lock()
	for _, line := range strings.Split(str, "\n") {
		idx := l.numRecords % l.maxRecords
		l.id++
		l.records[idx].Text = line
		l.records[idx].Id = l.id
		l.records[idx].Time = time.Now()
		// NB: numRecords may exceed maxRecords; it really tracks the
		// next index once we have looped.
		l.numRecords++
	}
	l.mx.Unlock()
	return len(b), nil
}

func (l *Log) Clear() {
	l.mx.Lock()
	l.numRecords = 0
	// We presume that we cannot add new records more quickly than
	// once every nanosecond.
	l.id = time.Now().UnixNano()
	l.mx.Unlock()
}

// GetRecords returns the stored records, plus an id suitable for use as an
// Etag.  If the log has not changed since the given last id, it returns nil
// immediately without duplicating any records.
func (l *Log) GetRecords(last int64) ([]LogRecord, int64) {
	l.mx.Lock()
	if l.id == last {
		l.mx.Unlock()
		return nil, last
	}
	cnt := l.numRecords
	if cnt > l.maxRecords {
		cnt = l.maxRecords
	}
	recs := make([]LogRecord, 0, cnt)
	index := l.numRecords - cnt
	for j := 0; j < cnt; j++ {
		recs = append(recs, l.records[index%l.maxRecords])
		index++
	}
	id := l.id
	l.mx.Unlock()
	return recs, id
}

// Tail returns the text of up to n most recent records, oldest first.
func (l *Log) Tail(n int) []string {
	recs, _ := l.GetRecords(0)
	if n > 0 && len(recs) > n {
		recs = recs[len(recs)-n:]
	}
	lines := make([]string, 0, len(recs))
	for _, r := range recs {
		lines = append(lines, r.Text)
	}
	return lines
}

// NewLog returns a Log instance.
func NewLog() *Log {
	return &Log{
		maxRecords: MaxLogRecords,
		records:    make([]LogRecord, MaxLogRecords),
		id:         time.Now().UnixNano(),
	}
}

// Logger formats guardian log lines as "[timestamp] [LEVEL] message" and
// fans them out to standard output, the in-memory ring, and an append-only
// log file.  File writes are best effort: a failure is reported once on the
// surviving destinations and then suppressed, because logging must never
// take the guardian down with it.
type Logger struct {
	out     io.Writer
	path    string
	ring    *Log
	fileErr bool
	mx      sync.Mutex
}

// NewLogger returns a Logger appending to the file at path.  An empty path
// disables the file destination.
func NewLogger(path string) *Logger {
	return &Logger{
		out:  os.Stdout,
		path: path,
		ring: NewLog(),
	}
}

// Ring exposes the in-memory record ring.
func (l *Logger) Ring() *Log {
	return l.ring
}

func (l *Logger) Infof(format string, v ...interface{}) {
	l.logf(LevelInfo, format, v...)
}

func (l *Logger) Warningf(format string, v ...interface{}) {
	l.logf(LevelWarning, format, v...)
}

func (l *Logger) Errorf(format string, v ...interface{}) {
	l.logf(LevelError, format, v...)
}

func (l *Logger) logf(level string, format string, v ...interface{}) {
	stamp := time.Now().Format("2006-01-02 15:04:05")
	line := fmt.Sprintf("[%s] [%s] %s\n", stamp, level, fmt.Sprintf(format, v...))

	l.mx.Lock()
	defer l.mx.Unlock()

	if l.out != nil {
		io.WriteString(l.out, line)
	}
	l.ring.Write([]byte(line))

	if l.path == "" {
		return
	}
	if err := appendFile(l.path, line); err != nil && !l.fileErr {
		l.fileErr = true
		notice := fmt.Sprintf("[%s] [%s] log file %s unwritable: %v\n",
			stamp, LevelWarning, l.path, err)
		if l.out != nil {
			io.WriteString(l.out, notice)
		}
		l.ring.Write([]byte(notice))
	}
}

func appendFile(path, line string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	_, werr := f.WriteString(line)
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	return werr
}
