package view

import (
	"slices"

	"github.com/astromechza/listsync/pkg/lists"
)

// Reduce computes the state that follows the given action. It never modifies the input state and performs no I/O;
// anything else that has to happen is returned as an Effect, which is nil in the common case.
func Reduce(state State, action Action) (State, Effect) {
	switch a := action.(type) {
	case DescriptionChanged:
		state.DraftDescription = a.Value
		return state, nil

	case TitleChanged:
		state.DraftTitle = a.Value
		return state, nil

	case ListsReceived:
		state.Items = prependItems(state.Items, a.Items)
		return state, nil

	case OpenModal:
		state.ModalOpen = true
		state.ModalMode = ModalAdd
		return state, nil

	case CloseModal:
		state.ModalOpen = false
		state.ModalMode = ModalNone
		state.DraftID = ""
		state.DraftTitle = ""
		state.DraftDescription = ""
		return state, nil

	case DeleteRequested:
		return state, DeleteList{ID: a.ID}

	case ItemDeleted:
		i := state.indexOf(a.ID)
		if i < 0 {
			return state, Miss{Action: a, ID: a.ID}
		}
		state.Items = slices.Delete(slices.Clone(state.Items), i, i+1)
		return state, nil

	case ItemUpdated:
		i := state.indexOf(a.Item.ID)
		if i < 0 {
			return state, Miss{Action: a, ID: a.Item.ID}
		}
		state.Items = slices.Clone(state.Items)
		state.Items[i] = a.Item.WithoutChildren()
		return state, nil

	case EditRequested:
		// Only the domain fields are copied; Children and Dispatch stay with the row.
		item := a.Props.ListItem
		state.ModalOpen = true
		state.ModalMode = ModalEdit
		state.DraftID = item.ID
		state.DraftTitle = item.Title
		state.DraftDescription = item.Description
		return state, nil

	default:
		return state, Unrecognized{Action: action}
	}
}

// prependItems returns incoming followed by existing. An incoming list whose ID is already present replaces that
// element where it stands instead of being prepended, and only the first of several incoming lists sharing an ID
// is used.
func prependItems(existing []lists.ListItem, incoming []lists.ListItem) []lists.ListItem {
	out := make([]lists.ListItem, 0, len(incoming)+len(existing))
	merged := slices.Clone(existing)
	seen := make(map[string]bool, len(incoming))
	for _, item := range incoming {
		if seen[item.ID] {
			continue
		}
		seen[item.ID] = true
		if i := slices.IndexFunc(merged, func(e lists.ListItem) bool { return e.ID == item.ID }); i >= 0 {
			merged[i] = item
			continue
		}
		out = append(out, item)
	}
	return append(out, merged...)
}
