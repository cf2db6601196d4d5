package telemetry

// FakeSender records published messages for test assertions.
type FakeSender struct {
	// Messages contains every message that was sent.
	Messages []Message

	// PublishError, if set, will be returned by Publish.
	PublishError error

	// FailAfter, if positive, makes Publish fail with PublishError once
	// that many messages have been sent.
	FailAfter int
}

// Publish records the message.
func (f *FakeSender) Publish(topic string, payload []byte) error {
	if f.PublishError != nil && (f.FailAfter <= 0 || len(f.Messages) >= f.FailAfter) {
		return f.PublishError
	}
	f.Messages = append(f.Messages, Message{Topic: topic, Payload: payload})
	return nil
}

// Topics returns the topics of all recorded messages in order.
func (f *FakeSender) Topics() []string {
	out := make([]string, len(f.Messages))
	for i, m := range f.Messages {
		out[i] = m.Topic
	}
	return out
}

// Reset clears recorded messages and errors.
func (f *FakeSender) Reset() {
	f.Messages = nil
	f.PublishError = nil
	f.FailAfter = 0
}
