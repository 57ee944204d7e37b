// Package eventstest provides a capturing publisher for tests.
package eventstest

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/nats-io/nats.go"
)

// Message is one captured publish
type Message struct {
	Subject string
	Header  nats.Header
	Data    []byte
}

// Decode unmarshals the payload into v
func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Data, v)
}

// Recorder implements events.Publisher by keeping every message in memory
type Recorder struct {
	mu       sync.Mutex
	messages []Message
	fail     bool
}

// Fail makes subsequent publishes return an error
func (r *Recorder) Fail(fail bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail = fail
}

func (r *Recorder) Publish(subject string, header nats.Header, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("publish failed")
	}
	r.messages = append(r.messages, Message{Subject: subject, Header: header, Data: data})
	return nil
}

// Subjects returns the subjects published so far, in order
func (r *Recorder) Subjects() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.messages))
	for i, m := range r.messages {
		out[i] = m.Subject
	}
	return out
}

// BySubject returns the messages published on subject
func (r *Recorder) BySubject(subject string) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Message
	for _, m := range r.messages {
		if m.Subject == subject {
			out = append(out, m)
		}
	}
	return out
}
