package transport

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransportCloseClosesBothHalves(t *testing.T) {
	producer := &mockProducer{}
	consumer := &mockConsumer{}

	err := Transport{Producer: producer, Consumer: consumer}.Close()

	assert.NoError(t, err)
	assert.True(t, producer.closed)
	assert.True(t, consumer.closed)
}

func TestTransportCloseJoinsErrors(t *testing.T) {
	producerErr := errors.New("producer close")
	consumerErr := errors.New("consumer close")

	err := Transport{
		Producer: &mockProducer{closeErr: producerErr},
		Consumer: &mockConsumer{closeErr: consumerErr},
	}.Close()

	assert.ErrorIs(t, err, producerErr)
	assert.ErrorIs(t, err, consumerErr)
}

func TestTransportCloseHalfBuilt(t *testing.T) {
	assert.NoError(t, Transport{Producer: &mockProducer{}}.Close())
	assert.NoError(t, Transport{}.Close())
}

func TestRecordToken(t *testing.T) {
	rec := (&Record{Topic: "game-event", Offset: 4}).WithToken(42)
	assert.Equal(t, 42, rec.Token())
	assert.Nil(t, (&Record{}).Token())
}
