package view

import (
	"github.com/astromechza/listsync/pkg/lists"
)

// Action is the closed set of inputs accepted by Reduce.
type Action interface {
	isAction()
}

type DescriptionChanged struct{ Value string }

type TitleChanged struct{ Value string }

// ListsReceived carries the initial bulk read or a single created list.
type ListsReceived struct{ Items []lists.ListItem }

type OpenModal struct{}

type CloseModal struct{}

// DeleteRequested asks the backend to delete a list. Nothing is removed locally until ItemDeleted arrives.
type DeleteRequested struct{ ID string }

type ItemDeleted struct{ ID string }

type ItemUpdated struct{ Item lists.ListItem }

// RowProps is what a rendered row holds: the list plus fields that only make sense inside the presentation layer.
type RowProps struct {
	lists.ListItem
	Children any
	Dispatch func(Action)
}

type EditRequested struct{ Props RowProps }

func (DescriptionChanged) isAction() {}
func (TitleChanged) isAction()       {}
func (ListsReceived) isAction()      {}
func (OpenModal) isAction()          {}
func (CloseModal) isAction()         {}
func (DeleteRequested) isAction()    {}
func (ItemDeleted) isAction()        {}
func (ItemUpdated) isAction()        {}
func (EditRequested) isAction()      {}

// Effect is work the reducer asks the store to do outside of the state transition.
type Effect interface {
	isEffect()
}

// DeleteList is a fire-and-forget deletion call to the backend.
type DeleteList struct{ ID string }

// Miss reports an update or delete for a list that is not in the state.
type Miss struct {
	Action Action
	ID     string
}

// Unrecognized reports an action that Reduce has no handler for.
type Unrecognized struct{ Action Action }

func (DeleteList) isEffect()   {}
func (Miss) isEffect()         {}
func (Unrecognized) isEffect() {}
