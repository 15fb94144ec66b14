// Copyright © 2026 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package blocklist

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/TheThingsNetwork/go-utils/log"
	"github.com/TheThingsNetwork/serial-gateway-bridge/middleware"
	"github.com/TheThingsNetwork/serial-gateway-bridge/types"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v2"
)

type blockedItem struct {
	Device string `yaml:"device"`
	Node   string `yaml:"node"`
}

// NewBlocklist returns a middleware that drops frames of blocked devices.
// Lists are local YAML files, which are reloaded when they change, or http(s) URLs.
func NewBlocklist(lists ...string) (b *Blocklist, err error) {
	b = &Blocklist{
		log:        log.Get(),
		lists:      make(map[string][]blockedItem),
		nodeLookup: make(map[string]bool),
		idLookup:   make(map[string]bool),
	}
	b.watcher, err = fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, location := range lists {
		if err := b.addList(location); err != nil {
			b.log.WithError(err).WithField("List", location).Warn("Could not add blocklist")
		}
	}
	b.FetchRemotes()
	go func() {
		for e := range b.watcher.Events {
			if e.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if err := b.read(e.Name); err != nil {
					b.log.WithError(err).WithField("List", e.Name).Warn("Could not reload blocklist")
				}
			}
		}
	}()
	return b, nil
}

// Blocklist middleware
type Blocklist struct {
	log     log.Interface
	watcher *fsnotify.Watcher
	urls    []string

	mu         sync.RWMutex
	lists      map[string][]blockedItem
	nodeLookup map[string]bool
	idLookup   map[string]bool
}

func (b *Blocklist) addList(location string) error {
	url, err := url.Parse(location)
	if err != nil {
		return err
	}
	switch url.Scheme {
	case "", "file":
		return b.addFile(url.Path)
	case "http", "https":
		return b.addURL(url)
	}
	return errors.New("blocklist: unknown list type")
}

func (b *Blocklist) addFile(filename string) (err error) {
	filename, err = filepath.Abs(filename)
	if err != nil {
		return err
	}
	if err = b.watcher.Add(filename); err != nil {
		return err
	}
	return b.read(filename)
}

func (b *Blocklist) addURL(url *url.URL) error {
	b.urls = append(b.urls, url.String())
	return nil
}

// FetchRemotes fetches remote blocklists
func (b *Blocklist) FetchRemotes() error {
	var lastErr error
	for _, url := range b.urls {
		if err := b.fetch(url); err != nil {
			b.log.WithError(err).WithField("List", url).Warn("Could not fetch blocklist")
			lastErr = err
		}
	}
	return lastErr
}

// Close the blocklist watcher
func (b *Blocklist) Close() {
	b.watcher.Close()
}

func (b *Blocklist) read(filename string) error {
	contents, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	return b.parse(filename, contents)
}

func (b *Blocklist) fetch(location string) error {
	resp, err := http.Get(location)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return b.parse(location, body)
}

func (b *Blocklist) parse(location string, contents []byte) error {
	var blocklist []blockedItem
	if err := yaml.Unmarshal(contents, &blocklist); err != nil {
		return err
	}
	b.mu.Lock()
	b.lists[location] = blocklist
	b.updateLookup()
	b.mu.Unlock()
	b.log.WithField("List", location).WithField("Items", len(blocklist)).Debug("Loaded blocklist")
	return nil
}

func (b *Blocklist) updateLookup() {
	var n int
	for _, blocklist := range b.lists {
		n += len(blocklist)
	}
	b.nodeLookup = make(map[string]bool, n)
	b.idLookup = make(map[string]bool, n)
	for _, blocklist := range b.lists {
		for _, item := range blocklist {
			if item.Node != "" {
				b.nodeLookup[item.Node] = true
			}
			if item.Device != "" {
				b.idLookup[item.Device] = true
			}
		}
	}
}

// Blocklist errors
var (
	ErrBlockedID   = errors.New("blocklist: device ID is blocked")
	ErrBlockedNode = errors.New("blocklist: sensor node is blocked")
)

func (b *Blocklist) check(frame *types.SensorFrame) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.idLookup[frame.DeviceID] {
		return ErrBlockedID
	}
	if frame.NodeID != "" && b.nodeLookup[frame.NodeID] {
		return ErrBlockedNode
	}
	return nil
}

// HandleAttach blocks attach commands of blocked devices
func (b *Blocklist) HandleAttach(_ middleware.Context, frame *types.SensorFrame) error {
	return b.check(frame)
}

// HandleTelemetry blocks telemetry of blocked devices
func (b *Blocklist) HandleTelemetry(_ middleware.Context, frame *types.SensorFrame) error {
	return b.check(frame)
}
