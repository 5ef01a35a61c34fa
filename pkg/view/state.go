package view

import (
	"slices"

	"github.com/astromechza/listsync/pkg/lists"
)

type ModalMode string

const (
	ModalNone ModalMode = ""
	ModalAdd  ModalMode = "add"
	ModalEdit ModalMode = "edit"
)

// State is everything the presentation layer renders. It is only ever changed by Reduce.
type State struct {
	DraftID          string
	DraftTitle       string
	DraftDescription string
	Items            []lists.ListItem
	ModalOpen        bool
	ModalMode        ModalMode
}

// Clone returns a deep copy so callers outside the store cannot reach its slices.
func (s State) Clone() State {
	items := make([]lists.ListItem, len(s.Items))
	for i, item := range s.Items {
		items[i] = item.Clone()
	}
	s.Items = items
	return s
}

// Draft is the list described by the modal fields.
func (s State) Draft() lists.ListItem {
	return lists.ListItem{ID: s.DraftID, Title: s.DraftTitle, Description: s.DraftDescription}
}

func (s State) Find(id string) (lists.ListItem, bool) {
	if i := s.indexOf(id); i >= 0 {
		return s.Items[i], true
	}
	return lists.ListItem{}, false
}

func (s State) indexOf(id string) int {
	return slices.IndexFunc(s.Items, func(item lists.ListItem) bool {
		return item.ID == id
	})
}
