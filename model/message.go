package model

// Message represents a single inbound email selected for processing.
// UID is the server-assigned identifier, only valid within the current
// mailbox session (for mbox input it is the 1-based sequence in the file).
type Message struct {
	UID     uint32
	Subject string
	From    string
	Body    string
}

// Envelope wraps a message alongside an optional error encountered while
// retrieving or decoding it. An Envelope with Err set drops that single
// message from the batch; it never aborts the run.
type Envelope struct {
	Message Message
	Err     error
}

// Reply is the outbound answer for one message. It is built, transmitted
// and discarded within a single pass; nothing is retained afterwards.
type Reply struct {
	UID     uint32
	To      string
	Subject string
	Body    string
}
