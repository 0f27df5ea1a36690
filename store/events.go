package store

import "meow.tf/websubsub/model"

// Created represents an event when a subscription is added to the store.
type Created struct {
	Subscription model.Subscription
}

// Deleted represents an event when a subscription is removed from the store.
type Deleted struct {
	Subscription model.Subscription
}
