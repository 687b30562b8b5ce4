// Package memory keeps the in-memory registry of relay channels and their
// subscribers. A channel exists while at least one subscriber is joined and
// holds at most one producer/viewer pair.
package memory

import (
	"errors"
	"sync"
)

const (
	defaultMaxSubscribers = 2
)

var (
	ErrChannelBusy     = errors.New("channel already has two subscribers")
	ErrChannelNotFound = errors.New("channel is not found")
)

type Channel struct {
	Name        string
	Subscribers map[string]struct{}
}

type MemStore struct {
	mx *sync.Mutex
	db map[string]*Channel
}

func NewMemStore() *MemStore {
	return &MemStore{
		mx: &sync.Mutex{},
		db: make(map[string]*Channel),
	}
}

func (ms *MemStore) Join(channelName string, clientID string) (*Channel, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	ch, ok := ms.db[channelName]
	if !ok {
		ch = &Channel{
			Name: channelName,
			Subscribers: map[string]struct{}{
				clientID: {},
			},
		}
		ms.db[channelName] = ch
		return ch, nil
	}

	if len(ch.Subscribers) == defaultMaxSubscribers {
		if _, ok := ch.Subscribers[clientID]; !ok {
			return nil, ErrChannelBusy
		}
	}

	ch.Subscribers[clientID] = struct{}{}
	return ch, nil
}

func (ms *MemStore) Leave(channelName string, clientID string) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	ch, ok := ms.db[channelName]
	if !ok {
		return
	}
	delete(ch.Subscribers, clientID)
	if len(ch.Subscribers) == 0 {
		delete(ms.db, channelName)
	}
}

func (ms *MemStore) Get(channelName string) (*Channel, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	ch, ok := ms.db[channelName]
	if !ok {
		return nil, ErrChannelNotFound
	}
	return ch, nil
}
