package kafka

import (
	"context"
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"
)

type fakeProducer struct {
	mu       sync.Mutex
	records  []*kgo.Record
	err      error
	failures int // fail this many calls before succeeding, when err is set

	onProduce func()
}

func (f *fakeProducer) ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.onProduce != nil {
		f.onProduce()
	}

	var err error
	if f.err != nil && (f.failures == 0 || len(f.records) < f.failures) {
		err = f.err
	}
	results := make(kgo.ProduceResults, 0, len(rs))
	for _, r := range rs {
		f.records = append(f.records, r)
		results = append(results, kgo.ProduceResult{Record: r, Err: err})
	}
	return results
}

func (f *fakeProducer) produced() []*kgo.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*kgo.Record(nil), f.records...)
}

type fakeFetchClient struct {
	fakeProducer
	polls     chan kgo.Fetches
	committed []*kgo.Record
	commitErr error
}

func (f *fakeFetchClient) PollFetches(ctx context.Context) kgo.Fetches {
	select {
	case fetches := <-f.polls:
		return fetches
	case <-ctx.Done():
		return nil
	}
}

func (f *fakeFetchClient) CommitRecords(ctx context.Context, rs ...*kgo.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commitErr != nil {
		return f.commitErr
	}
	f.committed = append(f.committed, rs...)
	return nil
}

func fetchesOf(topic string, records ...*kgo.Record) kgo.Fetches {
	return kgo.Fetches{{
		Topics: []kgo.FetchTopic{{
			Topic:      topic,
			Partitions: []kgo.FetchPartition{{Partition: 0, Records: records}},
		}},
	}}
}
