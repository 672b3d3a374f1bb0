// # Go Engine for Bidirectional Speech-to-Speech Sessions
//
// This repository provides a Go package for building applications that hold real-time, two-way voice conversations with an AI model over a duplex event stream. It covers the wire codec, the session state machine, bounded streaming with interruption and barge-in support, tool execution, and live agent switching, so applications only wire up audio devices and tool handlers.
package duplex
