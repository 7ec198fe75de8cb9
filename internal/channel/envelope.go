// Package channel carries messages between clients and workers.
package channel

import "errors"

// Message types
const (
	TypeDownloadCityPack     = "download-city-pack"
	TypeDownloadCityPackDone = "download-city-pack-done"
	TypeRegisterSync         = "REGISTER_SYNC"
	TypeRetrySync            = "RETRY_SYNC"
)

// ErrClosed is returned by transports and clients after Close.
var ErrClosed = errors.New("channel closed")

// Envelope is the JSON message exchanged over a transport.
//
// CorrelationID is set by Client.Request; the reply carries the same
// value in ReplyTo. ID is the city id of sync messages.
type Envelope struct {
	CorrelationID string   `json:"correlationId,omitempty"`
	ReplyTo       string   `json:"replyTo,omitempty"`
	Type          string   `json:"type"`
	Slug          string   `json:"slug,omitempty"`
	URLs          []string `json:"urls,omitempty"`
	ID            string   `json:"id,omitempty"`
	Error         string   `json:"error,omitempty"`
}

// Reply builds a response envelope correlated to e.
func (e Envelope) Reply(reply Envelope) Envelope {
	reply.ReplyTo = e.CorrelationID
	return reply
}
