// Copyright © 2026 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package session

import "fmt"

// ClientID returns the MQTT client identifier of a gateway in the device registry
func ClientID(project, region, registry, gateway string) string {
	return fmt.Sprintf("projects/%s/locations/%s/registries/%s/devices/%s", project, region, registry, gateway)
}

// AttachTopic returns the topic to attach a device to the gateway
func AttachTopic(deviceID string) string {
	return fmt.Sprintf("/devices/%s/attach", deviceID)
}

// DetachTopic returns the topic to detach a device from the gateway
func DetachTopic(deviceID string) string {
	return fmt.Sprintf("/devices/%s/detach", deviceID)
}

// ConfigTopic returns the topic on which the registry sends configuration of a device
func ConfigTopic(deviceID string) string {
	return fmt.Sprintf("/devices/%s/config", deviceID)
}

// EventsTopic returns the telemetry topic of a device
func EventsTopic(deviceID, subfolder string) string {
	if subfolder == "" {
		return fmt.Sprintf("/devices/%s/events", deviceID)
	}
	return fmt.Sprintf("/devices/%s/events/%s", deviceID, subfolder)
}
