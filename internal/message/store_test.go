package message_test

import (
	"context"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"forgeloop/internal/message"
)

type fakeMirror struct {
	mu     sync.Mutex
	chunks []string
}

func (m *fakeMirror) AppendLogChunk(ctx context.Context, processID, stream string, chunk []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks = append(m.chunks, stream+":"+string(chunk))
	return nil
}

var _ = Describe("Store", func() {
	It("replays raw history to a new subscriber before tailing live pushes", func() {
		s := message.New("proc-1", nil)
		s.PushStdout([]byte("hello"))
		s.PushStderr([]byte("uh oh"))

		ch, cancel := s.Subscribe()
		defer cancel()

		first := <-ch
		Expect(first.Kind).To(Equal("stdout"))
		Expect(first.Bytes).To(Equal([]byte("hello")))

		second := <-ch
		Expect(second.Kind).To(Equal("stderr"))

		s.PushStdout([]byte("live"))
		third := <-ch
		Expect(third.Bytes).To(Equal([]byte("live")))
	})

	It("assigns monotonically increasing indices and keeps entry type immutable across Replace", func() {
		s := message.New("proc-2", nil)
		e := s.Add(message.NormalizedEntry{Type: message.EntryToolUse, ToolCallID: "call-1"})
		Expect(e.Index).To(Equal(0))

		ok := s.Replace(e.Index, message.NormalizedEntry{Type: message.EntryError, ToolCallID: "call-1"})
		Expect(ok).To(BeTrue())

		snap := s.Snapshot()
		Expect(snap).To(HaveLen(1))
		Expect(snap[0].Type).To(Equal(message.EntryToolUse))
	})

	It("finds the most recent tool_use entry by tool call id", func() {
		s := message.New("proc-3", nil)
		s.Add(message.NormalizedEntry{Type: message.EntryToolUse, ToolCallID: "call-1"})
		s.Add(message.NormalizedEntry{Type: message.EntryToolResult, ToolCallID: "call-1"})
		s.Add(message.NormalizedEntry{Type: message.EntryToolUse, ToolCallID: "call-2"})

		found, ok := s.FindLastByToolCallID("call-2")
		Expect(ok).To(BeTrue())
		Expect(found.ToolCallID).To(Equal("call-2"))

		_, ok = s.FindLastByToolCallID("call-missing")
		Expect(ok).To(BeFalse())
	})

	It("closes every live subscriber exactly once on Finish and ignores pushes afterward", func() {
		s := message.New("proc-4", nil)
		ch, cancel := s.Subscribe()
		defer cancel()

		s.Finish()
		s.Finish() // idempotent, must not panic on double-close

		sentinel := <-ch
		Expect(sentinel.Kind).To(Equal("finished"))
		_, open := <-ch
		Expect(open).To(BeFalse())

		s.PushStdout([]byte("too late"))
		Expect(s.Snapshot()).To(BeEmpty())
	})

	It("mirrors pushed chunks to durable storage without blocking the caller", func() {
		mirror := &fakeMirror{}
		s := message.New("proc-5", mirror)
		s.PushStdout([]byte("abc"))
		s.Finish() // waits for the mirror goroutine to drain before returning

		mirror.mu.Lock()
		defer mirror.mu.Unlock()
		Expect(mirror.chunks).To(ContainElement("stdout:abc"))
	})

	It("replays entries as synthetic add patches for a subscriber joining after Add", func() {
		s := message.New("proc-6", nil)
		s.Add(message.NormalizedEntry{Type: message.EntryUserMessage})

		ch, cancel := s.Subscribe()
		defer cancel()

		msg := <-ch
		Expect(msg.Kind).To(Equal("patch"))
		Expect(msg.Ops).To(HaveLen(1))
		Expect(msg.Ops[0].Op).To(Equal("add"))
	})
})
