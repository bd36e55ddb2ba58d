// Copyright (C) 2025 AIDIS Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"fmt"
	"time"
)

// Change actions carried on the aidis_changes NOTIFY channel.
const (
	ActionInsert = "insert"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// KnownEntities are the entity names database triggers may emit and SSE
// clients may filter on. Subscription requests naming anything else are
// rejected with 400.
var KnownEntities = []string{
	"projects", "sessions", "contexts", "decisions", "tasks",
	"naming", "agents", "agent_messages", "code_components",
}

// IsKnownEntity reports whether name is a registered change-event entity.
func IsKnownEntity(name string) bool {
	for _, e := range KnownEntities {
		if e == name {
			return true
		}
	}
	return false
}

// ChangeEvent is the JSON payload database triggers send via
// NOTIFY aidis_changes, and the body SSE subscribers receive.
type ChangeEvent struct {
	Entity    string    `json:"entity"`
	Action    string    `json:"action"`
	ID        string    `json:"id"`
	ProjectID string    `json:"projectId,omitempty"`
	At        time.Time `json:"at"`
}

// Validate checks the payload fields a trigger must populate.
func (e *ChangeEvent) Validate() error {
	if !IsKnownEntity(e.Entity) {
		return fmt.Errorf("unknown entity %q", e.Entity)
	}
	switch e.Action {
	case ActionInsert, ActionUpdate, ActionDelete:
	default:
		return fmt.Errorf("unknown action %q", e.Action)
	}
	if e.ID == "" {
		return fmt.Errorf("missing id")
	}
	return nil
}
