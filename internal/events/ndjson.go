package events

import (
	"encoding/json"
	"io"
	"sync"
)

// NDJSONSink appends one JSON object per line to w, in the shape of a run's
// progress.ndjson. The first write error is kept and later events are
// dropped.
type NDJSONSink struct {
	mu  sync.Mutex
	w   io.Writer
	err error
}

func NewNDJSONSink(w io.Writer) *NDJSONSink {
	return &NDJSONSink{w: w}
}

func (s *NDJSONSink) Send(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return
	}
	b, err := json.Marshal(ev)
	if err != nil {
		s.err = err
		return
	}
	b = append(b, '\n')
	if _, err := s.w.Write(b); err != nil {
		s.err = err
	}
}

// Err reports the first error that stopped the sink.
func (s *NDJSONSink) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
