package events_test

import (
	"context"
	"os"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/events"
	"github.com/xraph/entitle/store/memory"
)

func TestHandle(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	c := events.NewConsumer("amqp://unused", entitle.New(s))

	require.NoError(t, c.Handle(ctx, []byte(`{"uid":"u1"}`)))
	require.NoError(t, c.Handle(ctx, []byte(`{"uid":"u1"}`)), "redelivery is idempotent")

	all, err := s.FindAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "u1", all[0].UserID)

	assert.ErrorIs(t, c.Handle(ctx, []byte(`{"uid":"  "}`)), events.ErrMalformed)
	assert.ErrorIs(t, c.Handle(ctx, []byte(`not json`)), events.ErrMalformed)
}

func TestHandleStoreDown(t *testing.T) {
	s := memory.New()
	require.NoError(t, s.Close())

	err := events.NewConsumer("amqp://unused", entitle.New(s)).Handle(context.Background(), []byte(`{"uid":"u1"}`))
	assert.True(t, entitle.IsRetryable(err))
}

func TestRunAgainstBroker(t *testing.T) {
	url := os.Getenv("ENTITLE_TEST_AMQP_URL")
	if url == "" {
		t.Skip("ENTITLE_TEST_AMQP_URL not set")
	}
	queue := "entitle.test." + time.Now().Format("150405.000000")

	s := memory.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := events.NewConsumer(url, entitle.New(s), events.WithQueue(queue))
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	conn, err := amqp.Dial(url)
	require.NoError(t, err)
	defer conn.Close()
	ch, err := conn.Channel()
	require.NoError(t, err)
	_, err = ch.QueueDeclare(queue, true, false, false, false, nil)
	require.NoError(t, err)
	require.NoError(t, events.Publish(ctx, ch, queue, "u-amqp"))

	require.Eventually(t, func() bool {
		rec, err := s.FindByUserID(context.Background(), "u-amqp")
		return err == nil && rec != nil
	}, 10*time.Second, 50*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
	_, _ = ch.QueueDelete(queue, false, false, false)
}
