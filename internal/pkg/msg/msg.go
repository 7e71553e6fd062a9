package msg

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Topic categorizes a message
type Topic string

// Topics published by a run
const (
	Sample Topic = "sample"
	Config Topic = "config"
)

// Msg is a payload tagged with its sender and topic
type Msg struct {
	sender  uuid.UUID
	topic   Topic
	payload interface{}
}

// New is the Msg factory function
func New(sender uuid.UUID, topic Topic, payload interface{}) Msg {
	return Msg{sender, topic, payload}
}

// PID returns the sender's PID
func (v Msg) PID() uuid.UUID {
	return v.sender
}

// Topic returns the message topic
func (v Msg) Topic() Topic {
	return v.topic
}

// Payload returns the message data
func (v Msg) Payload() interface{} {
	return v.payload
}

// MarshalJSON encodes the message as {"PID", "Topic", "Payload"}
func (v Msg) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		PID     string      `json:"PID"`
		Topic   Topic       `json:"Topic"`
		Payload interface{} `json:"Payload"`
	}{v.sender.String(), v.topic, v.payload})
}
