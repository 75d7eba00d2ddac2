// SPDX-License-Identifier: MIT

package command

import (
	"fmt"
	"strings"
)

// Command sections. Anything else in the section slot is an invalid
// topic.
const (
	SectionScene      = "scene"
	SectionDriver     = "driver"
	SectionReset      = "reset"
	SectionState      = "state"
	SectionDisplay    = "display"
	SectionBrightness = "brightness"
)

var validSections = map[string]bool{
	SectionScene:      true,
	SectionDriver:     true,
	SectionReset:      true,
	SectionState:      true,
	SectionDisplay:    true,
	SectionBrightness: true,
}

// ParseTopic splits a bus topic of the form
//
//	<prefix>/<deviceId>/<section>/<action>
//
// into its parts. Response and broadcast topics (ok, error,
// scene/state) are egress-only and parse as errors here so the
// subscriber drops its own publications.
func ParseTopic(prefix, topic string) (deviceID, section, action string, err error) {
	rest, ok := strings.CutPrefix(topic, prefix+"/")
	if !ok {
		return "", "", "", fmt.Errorf("topic %q does not start with prefix %q", topic, prefix)
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("topic %q has %d segments after prefix, want 3", topic, len(parts))
	}
	deviceID, section, action = parts[0], parts[1], parts[2]
	if deviceID == "" || section == "" || action == "" {
		return "", "", "", fmt.Errorf("topic %q has empty segments", topic)
	}
	if !validSections[section] {
		return "", "", "", fmt.Errorf("topic %q has unknown section %q", topic, section)
	}
	if section == SectionScene && action == "state" {
		return "", "", "", fmt.Errorf("topic %q is a broadcast topic, not a command", topic)
	}
	return deviceID, section, action, nil
}

// TopicOK returns the success response topic for a device.
func TopicOK(prefix, deviceID string) string {
	return prefix + "/" + deviceID + "/ok"
}

// TopicError returns the error response topic for a device.
func TopicError(prefix, deviceID string) string {
	return prefix + "/" + deviceID + "/error"
}

// TopicSceneState returns the lifecycle broadcast topic for a device.
func TopicSceneState(prefix, deviceID string) string {
	return prefix + "/" + deviceID + "/scene/state"
}

// CommandFilter returns the wildcard subscription covering every
// command topic under the prefix.
func CommandFilter(prefix string) string {
	return prefix + "/+/+/+"
}
