// SPDX-License-Identifier: MIT

// Package builtin contains the scenes that ship with the daemon: a
// solid fill, a clock, and a performance test loop.
package builtin

import (
	"github.com/pidicon/pidicon/internal/scene"
)

// RegisterAll adds the built-in scenes to a registry.
func RegisterAll(reg *scene.Registry) error {
	regs := []scene.Registration{
		{
			Name:      "fill",
			WantsLoop: false,
			Tags:      []string{"basic"},
			SortOrder: 10,
			ConfigSchema: map[string]any{
				"color": map[string]any{"type": "string", "default": "#000000"},
			},
			New: func() scene.Scene { return &FillScene{} },
		},
		{
			Name:      "clock",
			WantsLoop: true,
			Tags:      []string{"basic", "time"},
			SortOrder: 20,
			ConfigSchema: map[string]any{
				"color":       map[string]any{"type": "string", "default": "#FFFFFF"},
				"showSeconds": map[string]any{"type": "bool", "default": false},
			},
			New: func() scene.Scene { return &ClockScene{} },
		},
		{
			Name:      "performance-test",
			WantsLoop: true,
			Tags:      []string{"diagnostics"},
			Hidden:    true,
			SortOrder: 900,
			New:       func() scene.Scene { return &PerformanceScene{} },
		},
	}
	for _, r := range regs {
		if err := reg.Register(r); err != nil {
			return err
		}
	}
	return nil
}
