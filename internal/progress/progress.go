// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package progress implements the core's structured event stream and its
// dual stdout/file writer: every event is teed as plain text to stdout and
// an optional log file, and fanned out as a typed Event to any number of
// subscribed Sinks, since the UI, the notification bot and the CLI's own
// text log all consume the same stream.
package progress

import (
	"bufio"
	"fmt"
	"os"
	"sync"
)

// Phase is the lifecycle state of one group within one stage.
type Phase string

const (
	PhaseQueued  Phase = "queued"
	PhaseRunning Phase = "running"
	PhaseComplete Phase = "complete"
	PhaseError   Phase = "error"
	PhaseCancelled Phase = "cancelled"
)

// Event is one structured progress record, emitted between IPE primitive
// invocations.
type Event struct {
	Stage      string `json:"stage"`
	GroupKey   string `json:"groupKey"`
	Label      string `json:"label"`
	Phase      Phase  `json:"phase"`
	Processed  int    `json:"processed"`
	Total      int    `json:"total"`
	ElapsedMs  int64  `json:"elapsedMs"`
	Note       string `json:"note,omitempty"`
}

// Sink consumes progress events. A missing/nil sink is always a no-op;
// the core never requires a UI to be attached.
type Sink interface {
	OnEvent(Event)
}

// SinkFunc adapts a plain function to a Sink.
type SinkFunc func(Event)

func (f SinkFunc) OnEvent(e Event) { f(e) }

// Bus fans events out to any number of subscribed sinks and always tees a
// plain-text rendering to stdout and an optional log file.
type Bus struct {
	mu       sync.Mutex
	sinks    []Sink
	logFile  *bufio.Writer
	logFileOS *os.File
}

// NewBus creates an event bus with no subscribers yet.
func NewBus() *Bus {
	return &Bus{}
}

// AlsoLogToFile enables teeing a plain-text rendering of every event to fileName.
func (b *Bus) AlsoLogToFile(fileName string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.logFile != nil {
		if err := b.logFile.Flush(); err != nil {
			return err
		}
		if err := b.logFileOS.Close(); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(fileName, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
	if err != nil {
		return err
	}
	b.logFileOS = f
	b.logFile = bufio.NewWriter(f)
	return nil
}

// Subscribe attaches a sink that receives every future event.
func (b *Bus) Subscribe(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// Emit publishes an event to stdout, the optional log file, and every subscriber.
func (b *Bus) Emit(e Event) {
	b.mu.Lock()
	line := fmt.Sprintf("[%s] %-12s %-40s %-9s %d/%d (%dms)%s\n",
		e.Stage, e.Phase, e.GroupKey, e.Label, e.Processed, e.Total, e.ElapsedMs, noteSuffix(e.Note))
	fmt.Print(line)
	if b.logFile != nil {
		fmt.Fprint(b.logFile, line)
	}
	sinks := append([]Sink(nil), b.sinks...)
	b.mu.Unlock()

	for _, s := range sinks {
		if s != nil {
			s.OnEvent(e)
		}
	}
}

// Sync flushes the log file.
func (b *Bus) Sync() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.logFile != nil {
		b.logFile.Flush()
		b.logFileOS.Sync()
	}
}

func noteSuffix(note string) string {
	if note == "" {
		return ""
	}
	return " " + note
}
