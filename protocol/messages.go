// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package protocol implements the control-socket wire format:
// netstring-framed JSON objects tagged with a reserved __name__
// field, plus the ancillary description record that accompanies
// a descriptor-passing response.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Tag names, mirroring the reserved __name__ values on the wire.
const (
	TagWantTCPListener        = "WantTCPListener"
	TagHaveTCPListener        = "HaveTCPListener"
	TagWantChannel             = "WantChannel"
	TagHaveChannel             = "HaveChannel"
	TagWantWorkerStandardPair = "WantWorkerStandardPair"
	TagHaveWorkerStandardPair = "HaveWorkerStandardPair"
	TagFailure                 = "Failure"
)

// WantTCPListener requests a shared, bound, listening TCP socket.
type WantTCPListener struct {
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Listen int    `json:"listen"`
}

// HaveTCPListener acknowledges a WantTCPListener; the listener fd
// follows as ancillary data.
type HaveTCPListener struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// WantChannel requests one end of a symmetric socket pair shared
// with a named peer.
type WantChannel struct {
	Identity string `json:"identity"`
	Partner  string `json:"partner"`
}

// HaveChannel acknowledges a WantChannel; the channel end fd follows
// as ancillary data.
type HaveChannel struct {
	Identity string `json:"identity"`
	Partner  string `json:"partner"`
}

// WantWorkerStandardPair requests the current stdout/stderr log fds.
type WantWorkerStandardPair struct {
	Ignored bool `json:"ignored"`
}

// HaveWorkerStandardPair acknowledges a WantWorkerStandardPair; two
// fds (stdout, stderr) follow as ancillary data.
type HaveWorkerStandardPair struct {
	Ignored bool `json:"ignored"`
}

// Failure reports that the request could not be satisfied. No
// descriptor follows a Failure response.
type Failure struct {
	RequestMessage map[string]interface{} `json:"request_message"`
}

// Envelope is a decoded message together with the reserved
// bookkeeping fields every message carries on the wire.
type Envelope struct {
	Name string
	PID  int
	Body interface{}
}

func tagFor(body interface{}) (string, error) {
	switch body.(type) {
	case WantTCPListener, *WantTCPListener:
		return TagWantTCPListener, nil
	case HaveTCPListener, *HaveTCPListener:
		return TagHaveTCPListener, nil
	case WantChannel, *WantChannel:
		return TagWantChannel, nil
	case HaveChannel, *HaveChannel:
		return TagHaveChannel, nil
	case WantWorkerStandardPair, *WantWorkerStandardPair:
		return TagWantWorkerStandardPair, nil
	case HaveWorkerStandardPair, *HaveWorkerStandardPair:
		return TagHaveWorkerStandardPair, nil
	case Failure, *Failure:
		return TagFailure, nil
	default:
		return "", fmt.Errorf("protocol: unrecognized message type %T", body)
	}
}

// Marshal encodes body as a JSON payload carrying the __name__ and
// __pid__ reserved fields, matching the historical message format.
func Marshal(body interface{}, pid int) ([]byte, error) {
	tag, err := tagFor(body)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	fields["__name__"] = tag
	fields["__pid__"] = pid
	return json.Marshal(fields)
}

// Unmarshal decodes a JSON payload into its Envelope, dispatching on
// the __name__ field the way the reference implementation dispatches
// on a handler name: one recognized tag, one concrete Go type.
func Unmarshal(payload []byte) (Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return Envelope{}, err
	}
	nameRaw, ok := fields["__name__"]
	if !ok {
		return Envelope{}, fmt.Errorf("protocol: message missing __name__")
	}
	var name string
	if err := json.Unmarshal(nameRaw, &name); err != nil {
		return Envelope{}, err
	}
	pid := 0
	if pidRaw, ok := fields["__pid__"]; ok {
		if err := json.Unmarshal(pidRaw, &pid); err != nil {
			return Envelope{}, err
		}
	}
	delete(fields, "__name__")
	delete(fields, "__pid__")
	remainder, err := json.Marshal(fields)
	if err != nil {
		return Envelope{}, err
	}
	var body interface{}
	switch name {
	case TagWantTCPListener:
		var m WantTCPListener
		err = json.Unmarshal(remainder, &m)
		body = m
	case TagHaveTCPListener:
		var m HaveTCPListener
		err = json.Unmarshal(remainder, &m)
		body = m
	case TagWantChannel:
		var m WantChannel
		err = json.Unmarshal(remainder, &m)
		body = m
	case TagHaveChannel:
		var m HaveChannel
		err = json.Unmarshal(remainder, &m)
		body = m
	case TagWantWorkerStandardPair:
		var m WantWorkerStandardPair
		err = json.Unmarshal(remainder, &m)
		body = m
	case TagHaveWorkerStandardPair:
		var m HaveWorkerStandardPair
		err = json.Unmarshal(remainder, &m)
		body = m
	case TagFailure:
		var m Failure
		err = json.Unmarshal(remainder, &m)
		body = m
	default:
		return Envelope{}, fmt.Errorf("protocol: unrecognized tag %q", name)
	}
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Name: name, PID: pid, Body: body}, nil
}

// Describe turns a Want* message back into the generic field map a
// Failure response embeds as request_message.
func Describe(body interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}
