package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Ramsey-B/fern/pkg/errors"
)

type fakeWriter struct {
	messages []kafka.Message
	err      error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func TestProducerPublish(t *testing.T) {
	writer := &fakeWriter{}
	producer := NewProducerWithWriter(writer, "fern.events", testLogger())

	err := producer.Publish(context.Background(), &Event{EventType: "candidate.submitted", ProjectID: "p1", EntityID: "c1"})
	require.NoError(t, err)
	require.Len(t, writer.messages, 1)

	msg := writer.messages[0]
	assert.Equal(t, "c1", string(msg.Key))
	assert.Equal(t, "fern.events", msg.Topic)

	var event Event
	require.NoError(t, json.Unmarshal(msg.Value, &event))
	assert.Equal(t, SchemaVersion, event.SchemaVersion)
	assert.False(t, event.Timestamp.IsZero())

	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, "candidate.submitted", headers["event_type"])
	assert.Equal(t, "p1", headers["project_id"])
}

func TestProducerPublishError(t *testing.T) {
	producer := NewProducerWithWriter(&fakeWriter{err: errors.New("broker down")}, "fern.events", testLogger())
	assert.Error(t, producer.Publish(context.Background(), &Event{EventType: "x", EntityID: "1"}))
}

type fakeReader struct {
	mu        sync.Mutex
	messages  []kafka.Message
	committed []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.messages) > 0 {
		msg := r.messages[0]
		r.messages = r.messages[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) committedOffsets() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func TestConsumerCommitsOnlyHandledMessages(t *testing.T) {
	reader := &fakeReader{messages: []kafka.Message{
		{Offset: 1, Value: []byte(`{"project_id":"p1","candidates":[]}`)},
		{Offset: 2, Value: []byte(`{"project_id":"fail"}`)},
		{Offset: 3, Value: []byte(`{"project_id":"p1"}`)},
	}}

	handled := make(chan int64, 3)
	consumer := NewConsumerWithReader(reader, "fern.intake", testLogger(), func(_ context.Context, msg *IncomingMessage) error {
		handled <- msg.Offset
		intake, err := msg.ParseIntake()
		if err != nil {
			return err
		}
		if intake.ProjectID == "fail" {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, consumer.Start(context.Background()))
	for i := 0; i < 3; i++ {
		select {
		case <-handled:
		case <-time.After(time.Second):
			t.Fatal("message not handled")
		}
	}
	require.NoError(t, consumer.Stop())

	assert.Equal(t, []int64{1, 3}, reader.committedOffsets())
}

func TestConsumerRetriesThenCommits(t *testing.T) {
	reader := &fakeReader{messages: []kafka.Message{
		{Offset: 1, Value: []byte(`{"project_id":"flaky"}`)},
		{Offset: 2, Value: []byte(`{"project_id":"bad"}`)},
		{Offset: 3, Value: []byte(`{"project_id":"down"}`)},
	}}

	var mu sync.Mutex
	calls := map[int64]int{}
	done := make(chan struct{}, 16)
	consumer := NewConsumerWithReader(reader, "fern.intake", testLogger(), func(_ context.Context, msg *IncomingMessage) error {
		mu.Lock()
		calls[msg.Offset]++
		n := calls[msg.Offset]
		mu.Unlock()
		defer func() { done <- struct{}{} }()

		switch msg.Offset {
		case 1:
			if n < 2 {
				return errors.New("transient")
			}
			return nil
		case 2:
			return apperrors.Validation("label is required")
		default:
			return errors.New("still down")
		}
	}).WithRetry(3, time.Millisecond)

	require.NoError(t, consumer.Start(context.Background()))
	// 2 for the flaky message, 1 for the rejected one, 3 for the abandoned one
	for i := 0; i < 6; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("handler not called")
		}
	}
	require.NoError(t, consumer.Stop())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[int64]int{1: 2, 2: 1, 3: 3}, calls)
	assert.Equal(t, []int64{1, 2}, reader.committedOffsets())
}

func TestParseIntake(t *testing.T) {
	msg := &IncomingMessage{
		Key:     "run-7",
		Value:   []byte(`{"candidates":[{"label":"inundaciones","source":"llm"}]}`),
		Headers: map[string]string{"project_id": "p1"},
	}
	intake, err := msg.ParseIntake()
	require.NoError(t, err)
	assert.Equal(t, "p1", intake.ProjectID)
	assert.Equal(t, "run-7", intake.ProducerRunID)
	require.Len(t, intake.Candidates, 1)

	_, err = (&IncomingMessage{Value: []byte(`{}`)}).ParseIntake()
	assert.Error(t, err)
}
