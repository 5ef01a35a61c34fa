package lists

import (
	"fmt"
	"slices"
)

// ListItem is a named list as stored by the backend. ListItems is the nested child payload; most of the client treats
// it as opaque and passes it through.
type ListItem struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	ListItems   []Entry `json:"listItems,omitempty"`
}

// Entry is a single child item of a list.
type Entry struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Done bool   `json:"done"`
}

// Clone returns a copy that shares no slices with the receiver.
func (l ListItem) Clone() ListItem {
	l.ListItems = slices.Clone(l.ListItems)
	return l
}

// WithoutChildren returns a copy with the nested child payload dropped.
func (l ListItem) WithoutChildren() ListItem {
	l.ListItems = nil
	return l
}

type EventKind string

const (
	Created EventKind = "created"
	Updated EventKind = "updated"
	Deleted EventKind = "deleted"
)

// EventKinds lists every kind a client subscribes to.
var EventKinds = []EventKind{Created, Updated, Deleted}

func ParseEventKind(raw string) (EventKind, error) {
	for _, k := range EventKinds {
		if string(k) == raw {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown event kind %q", raw)
}

// Event is one change pushed by the backend. Deleted events carry the last known item, at minimum its ID.
type Event struct {
	Kind EventKind `json:"kind"`
	Item ListItem  `json:"item"`
}
