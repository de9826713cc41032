package nats

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testNatsURL = "nats://127.0.0.1:4222"

type ping struct {
	Seq int `json:"seq"`
}

func TestUnmarshalJSON(t *testing.T) {
	v, err := UnmarshalJSON[ping]([]byte(`{"seq":7}`))
	require.NoError(t, err)
	assert.Equal(t, 7, v.Seq)

	_, err = UnmarshalJSON[ping]([]byte(`{`))
	assert.Error(t, err)
}

// 需要本地 NATS，未启动时跳过
func TestPublishSubscribe(t *testing.T) {
	cfg := DefaultConfig(testNatsURL)
	cfg.MaxReconnects = 0

	var (
		mu  sync.Mutex
		got []int
	)
	sub, err := NewSubscriber(cfg, func(subject string, data []byte) error {
		v, err := UnmarshalJSON[ping](data)
		if err != nil {
			return err
		}
		mu.Lock()
		got = append(got, v.Seq)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Skipf("nats not available: %v", err)
	}
	defer sub.Close()
	require.NoError(t, sub.Subscribe("hubspoke.test.>"))

	pub, err := NewPublisher(cfg)
	require.NoError(t, err)
	defer pub.Close()

	require.NoError(t, pub.Publish("hubspoke.test.ping", ping{Seq: 1}))
	require.NoError(t, pub.Flush())

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1 && got[0] == 1
	}, 2*time.Second, 20*time.Millisecond)
}
