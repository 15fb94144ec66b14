// Copyright © 2026 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package exchange

import (
	"fmt"

	redis "gopkg.in/redis.v5"
)

type deviceState interface {
	// Adds an element to the set. Returns whether
	// the item was added.
	Add(i interface{}) bool

	// Returns whether the given items
	// are all in the set.
	Contains(i ...interface{}) bool

	// Remove a single element from the set.
	Remove(i interface{})

	// Returns the number of elements in the set.
	Cardinality() int

	// Returns the members of the set as a slice.
	ToSlice() []interface{}
}

// defaultRedisStateKey is used as key when no key is given
var defaultRedisStateKey = "attached-devices"

// InitRedisState initializes Redis-backed device state for the exchange. Devices that were
// attached when the previous process stopped are added to the state and returned; they are
// attached again on the next call to Reattach.
func (e *Exchange) InitRedisState(client *redis.Client, key string) (deviceIDs []string, err error) {
	if key == "" {
		key = defaultRedisStateKey
	}
	deviceIDs, err = client.SMembers(key).Result()
	if err != nil {
		return nil, fmt.Errorf("exchange: could not read device state: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, deviceID := range deviceIDs {
		e.devices.Add(deviceID)
	}
	e.devices = &deviceStateWithRedisPersistence{
		deviceState: e.devices,
		client:      client,
		key:         key,
	}
	registerAttached(e.devices.Cardinality())
	return deviceIDs, nil
}

type deviceStateWithRedisPersistence struct {
	key    string
	client *redis.Client
	deviceState
}

func (s *deviceStateWithRedisPersistence) Add(i interface{}) bool {
	added := s.deviceState.Add(i)
	if added {
		s.client.SAdd(s.key, i)
	}
	return added
}

func (s *deviceStateWithRedisPersistence) Remove(i interface{}) {
	s.deviceState.Remove(i)
	s.client.SRem(s.key, i)
}
