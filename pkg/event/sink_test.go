package event

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hubspoke.com/pkg/kafka"
)

type fakeSender struct {
	sent []kafka.Message
	err  error
}

func (f *fakeSender) Send(msg kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

type fakePublisher struct {
	subjects []string
}

func (f *fakePublisher) Publish(subject string, data any) error {
	f.subjects = append(f.subjects, subject)
	return nil
}

func TestEventMessage(t *testing.T) {
	e := New(TypeSupply, "spoke.main")
	e.AssetID = 3
	e.Amount = "100"
	e = e.With("shares_minted", "100")

	assert.NotZero(t, e.ID)
	assert.Equal(t, TopicEvents, e.Topic())
	assert.Equal(t, "asset-3", e.Key())
	assert.Equal(t, "hubspoke.events.supply", e.Subject())

	data, err := e.Value()
	require.NoError(t, err)
	var decoded Event
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, e.ID, decoded.ID)
	assert.Equal(t, "100", decoded.Extra["shares_minted"])
}

func TestWithDoesNotAlias(t *testing.T) {
	base := New(TypeBorrow, "spoke.main").With("a", "1")
	other := base.With("b", "2")
	assert.Len(t, base.Extra, 1)
	assert.Len(t, other.Extra, 2)
}

func TestSinks(t *testing.T) {
	rec := NewRecorder()
	sender := &fakeSender{}
	pub := &fakePublisher{}
	sink := Multi{rec, NewKafkaSink(sender), NewNatsSink(pub), NewLogSink(), nil}

	sink.Emit(New(TypeAdd, "hub"))
	sink.Emit(New(TypeDraw, "hub"))

	assert.Len(t, rec.Events(), 2)
	assert.Len(t, rec.ByType(TypeDraw), 1)
	last, ok := rec.Last()
	require.True(t, ok)
	assert.Equal(t, TypeDraw, last.Type)
	assert.Len(t, sender.sent, 2)
	assert.Equal(t, []string{"hubspoke.events.add", "hubspoke.events.draw"}, pub.subjects)

	rec.Reset()
	_, ok = rec.Last()
	assert.False(t, ok)
}

func TestKafkaSinkSwallowsErrors(t *testing.T) {
	sink := NewKafkaSink(&fakeSender{err: errors.New("closed")})
	assert.NotPanics(t, func() { sink.Emit(New(TypeRepay, "spoke")) })
	assert.Equal(t, "UNKNOWN", Type(250).String())
}
