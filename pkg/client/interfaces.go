package client

import (
	"github.com/aeolun/chatterbox/pkg/protocol"
)

// ConnectionInterface is the part of Connection the chat front ends use.
// Tests substitute a fake.
type ConnectionInterface interface {
	Send(tag protocol.Tag, fields ...string) error
	Incoming() <-chan protocol.Message
	Err() error
	Close() error
	Address() string
}

var _ ConnectionInterface = (*Connection)(nil)
