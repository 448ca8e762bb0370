// Package ws carries the hub protocol over websockets: a Server in front of a
// contract.PubSub and a Client implementing contract.PubSub on one connection.
package ws

import (
	"chat-engine/contract"
	"time"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

type Op string

const (
	OpSubscribe   Op = "subscribe"
	OpUnsubscribe Op = "unsubscribe"
	OpBroadcast   Op = "broadcast"
	OpTrack       Op = "track"
	OpUntrack     Op = "untrack"
)

// Request is sent by clients. Ref correlates the acknowledgement.
type Request struct {
	Ref     string `json:"ref"`
	Op      Op     `json:"op"`
	Topic   string `json:"topic"`
	Key     string `json:"key,omitempty"`
	Payload []byte `json:"payload,omitempty"`
}

type ReplyType string

const (
	ReplyAck    ReplyType = "ack"
	ReplyFrame  ReplyType = "frame"
	ReplyClosed ReplyType = "closed"
)

// Reply is sent by the server: an ack for a request, a frame for a
// subscribed topic, or the end of a topic subscription.
type Reply struct {
	Type  ReplyType       `json:"type"`
	Ref   string          `json:"ref,omitempty"`
	Topic string          `json:"topic,omitempty"`
	Error string          `json:"error,omitempty"`
	Frame *contract.Frame `json:"frame,omitempty"`
}
