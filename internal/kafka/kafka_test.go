package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDispatchMessageOutbox(t *testing.T) {
	commID := uuid.New()
	rid := uuid.New()

	out, err := NewRecipientJob(commID, rid, 3).ToOutbox("communication_dispatch")
	require.NoError(t, err)
	require.Equal(t, "communication_dispatch", out.Topic)
	require.Equal(t, commID.String(), out.Key)

	decoded, err := DecodeDispatchMessage(out.Payload)
	require.NoError(t, err)
	require.Equal(t, KindRecipient, decoded.Kind)
	require.Equal(t, rid, *decoded.RecipientID)
	require.Equal(t, 3, decoded.Attempt)
}

func TestDispatchMessageValidate(t *testing.T) {
	_, err := (&DispatchMessage{Kind: KindCommunication}).ToOutbox("t")
	require.Error(t, err)

	_, err = DecodeDispatchMessage([]byte(`{"kind":"recipient","communication_id":"` + uuid.NewString() + `"}`))
	require.Error(t, err)

	_, err = DecodeDispatchMessage([]byte(`{"kind":"broadcast","communication_id":"` + uuid.NewString() + `"}`))
	require.Error(t, err)

	_, err = DecodeDispatchMessage([]byte(`not json`))
	require.Error(t, err)
}

func TestProducerSendRaw(t *testing.T) {
	mp := mocks.NewSyncProducer(t, nil)
	payload, _ := json.Marshal(NewCommunicationJob(uuid.New()))

	mp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		if string(val) != string(payload) {
			return fmt.Errorf("unexpected payload %s", val)
		}
		return nil
	})
	mp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	p := NewProducerWith(mp)
	require.NoError(t, p.SendRaw("communication_dispatch", "k", payload))
	require.ErrorIs(t, p.SendRaw("communication_dispatch", "k", payload), sarama.ErrOutOfBrokers)
	require.Error(t, p.SendRaw("", "k", payload))
	require.NoError(t, p.Close())
}

type flakyProcessor struct {
	failures int
	calls    int
	err      error
}

func (f *flakyProcessor) ProcessDispatchMessage(_ context.Context, _ []byte) error {
	f.calls++
	if f.calls <= f.failures {
		return f.err
	}
	return nil
}

func TestProcessWithRetry(t *testing.T) {
	msg := &sarama.ConsumerMessage{Topic: "communication_dispatch", Value: []byte(`{}`)}

	t.Run("retries transient failures", func(t *testing.T) {
		p := &flakyProcessor{failures: 2, err: errors.New("db down")}
		h := newDispatchGroupHandler(p, zap.NewNop())
		h.backoff = func(int) time.Duration { return 0 }

		require.NoError(t, h.processWithRetry(context.Background(), msg))
		require.Equal(t, 3, p.calls)
	})

	t.Run("skips poison", func(t *testing.T) {
		p := &flakyProcessor{failures: 100, err: fmt.Errorf("%w: bad json", ErrPoisonMessage)}
		h := newDispatchGroupHandler(p, zap.NewNop())

		require.NoError(t, h.processWithRetry(context.Background(), msg))
		require.Equal(t, 1, p.calls)
	})

	t.Run("stops on cancel", func(t *testing.T) {
		p := &flakyProcessor{failures: 100, err: errors.New("db down")}
		h := newDispatchGroupHandler(p, zap.NewNop())
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		require.ErrorIs(t, h.processWithRetry(ctx, msg), context.Canceled)
	})
}

func TestRetryBackoff(t *testing.T) {
	require.Equal(t, time.Second, retryBackoff(1))
	require.Equal(t, 5*time.Second, retryBackoff(5))
	require.Equal(t, 30*time.Second, retryBackoff(90))
}
