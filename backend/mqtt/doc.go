// Copyright © 2026 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package mqtt connects to the MQTT bridge of the device registry on behalf of
// the gateway.
//
// The client identifier has the form
// "projects/<project>/locations/<region>/registries/<registry>/devices/<gateway>".
// The username is ignored by the registry; the password is a signed token
// (see package auth) that has to be replaced before it expires. Because of that,
// automatic reconnects of the underlying client are disabled: the session
// package reconnects with a fresh token instead.
//
// Topics follow "/devices/<id>/{attach|detach|config|events/<subfolder>}".
package mqtt
