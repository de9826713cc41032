package main

import (
	"encoding/json"
	"sort"
	"sync"

	"hubspoke.com/pkg/event"
	"hubspoke.com/pkg/nats"
)

// tally 回读到的事件按类型计数，用来核对 Kafka / NATS 投递
type tally struct {
	mu     sync.Mutex
	counts map[string]int
}

func newTally() *tally {
	return &tally{counts: make(map[string]int)}
}

func (t *tally) add(e event.Event) {
	t.mu.Lock()
	t.counts[e.Type.String()]++
	t.mu.Unlock()
}

// kafkaHandler kafka.MessageHandler
func (t *tally) kafkaHandler(_ string, _ int32, _ int64, _, value []byte) error {
	var e event.Event
	if err := json.Unmarshal(value, &e); err != nil {
		return err
	}
	t.add(e)
	return nil
}

// natsHandler nats.MessageHandler
func (t *tally) natsHandler(_ string, data []byte) error {
	e, err := nats.UnmarshalJSON[event.Event](data)
	if err != nil {
		return err
	}
	t.add(*e)
	return nil
}

// snapshot 按类型名排序的计数
func (t *tally) snapshot() ([]string, map[string]int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int, len(t.counts))
	names := make([]string, 0, len(t.counts))
	for k, v := range t.counts {
		out[k] = v
		names = append(names, k)
	}
	sort.Strings(names)
	return names, out
}
