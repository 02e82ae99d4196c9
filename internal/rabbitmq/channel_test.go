package rabbitmq

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/mock"
)

// fakeChannel records publishes and lets tests play the broker's side of the
// confirm, return and close notifications
type fakeChannel struct {
	mock.Mock

	mu         sync.Mutex
	seq        uint64
	published  []amqp.Publishing
	publishErr error
	confirms   chan amqp.Confirmation
	returns    chan amqp.Return
	closes     chan *amqp.Error
	deliveries chan amqp.Delivery
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{seq: 1, deliveries: make(chan amqp.Delivery, 16)}
}

func (f *fakeChannel) Confirm(noWait bool) error {
	args := f.Called(noWait)
	return args.Error(0)
}

func (f *fakeChannel) NotifyPublish(c chan amqp.Confirmation) chan amqp.Confirmation {
	f.confirms = c
	return c
}

func (f *fakeChannel) NotifyReturn(c chan amqp.Return) chan amqp.Return {
	f.returns = c
	return c
}

func (f *fakeChannel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	f.closes = c
	return c
}

func (f *fakeChannel) GetNextPublishSeqNo() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seq
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, msg)
	f.seq++
	return nil
}

func (f *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	args := f.Called(prefetchCount, prefetchSize, global)
	return args.Error(0)
}

func (f *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	mockArgs := f.Called(queue, autoAck, exclusive)
	if err := mockArgs.Error(0); err != nil {
		return nil, err
	}
	return f.deliveries, nil
}

func (f *fakeChannel) Cancel(consumer string, noWait bool) error {
	args := f.Called(noWait)
	return args.Error(0)
}

func (f *fakeChannel) Close() error {
	args := f.Called()
	return args.Error(0)
}

func (f *fakeChannel) publishedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func (f *fakeChannel) publishing(i int) amqp.Publishing {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.published[i]
}

// fakeProvider hands out a single channel
type fakeProvider struct {
	channel *fakeChannel
	err     error
}

func (p *fakeProvider) OpenChannel() (Channel, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.channel, nil
}
