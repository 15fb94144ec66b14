// Copyright © 2026 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package bridge

import (
	"sync/atomic"
	"time"
)

type watchdog struct {
	*time.Timer
	expire  time.Duration
	expired atomic.Bool
}

func newWatchdog(expire time.Duration, callback func()) *watchdog {
	w := &watchdog{expire: expire}
	w.Timer = time.AfterFunc(expire, func() {
		w.expired.Store(true)
		callback()
	})
	return w
}

// Kick the watchdog. Returns true if it had expired since the last kick
func (w *watchdog) Kick() bool {
	w.Stop()
	w.Reset(w.expire)
	return w.expired.Swap(false)
}
