// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package netface

import (
	"bufio"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"os"
)

// Client is a minimal connection to a running daemon, used by cmd/pueue.
type Client struct {
	conn   *tls.Conn
	reader *bufio.Scanner
}

// Dial connects to the daemon at addr, reading the shared secret from
// <pueueDirectory>/secret and performing the handshake.
func Dial(addr, pueueDirectory string) (*Client, error) {
	secret, err := os.ReadFile(secretPath(pueueDirectory))
	if err != nil {
		return nil, fmt.Errorf("netface: reading secret (is the daemon running?): %w", err)
	}

	conn, err := tls.Dial("tcp", addr, &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		return nil, fmt.Errorf("netface: dialing %s: %w", addr, err)
	}

	c := &Client{conn: conn, reader: bufio.NewScanner(conn)}
	c.reader.Buffer(make([]byte, 0, 4096), 1<<20)

	resp, err := c.call(Request{Op: "handshake", Secret: string(secret)})
	if err != nil {
		conn.Close()
		return nil, err
	}
	if !resp.OK {
		conn.Close()
		return nil, fmt.Errorf("netface: handshake rejected: %s", resp.Error)
	}
	return c, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call sends req and returns the daemon's response.
func (c *Client) Call(req Request) (Response, error) {
	return c.call(req)
}

func (c *Client) call(req Request) (Response, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return Response{}, err
	}
	if _, err := c.conn.Write(append(data, '\n')); err != nil {
		return Response{}, fmt.Errorf("netface: writing request: %w", err)
	}
	if !c.reader.Scan() {
		if err := c.reader.Err(); err != nil {
			return Response{}, fmt.Errorf("netface: reading response: %w", err)
		}
		return Response{}, fmt.Errorf("netface: connection closed before response")
	}
	var resp Response
	if err := json.Unmarshal(c.reader.Bytes(), &resp); err != nil {
		return Response{}, fmt.Errorf("netface: decoding response: %w", err)
	}
	return resp, nil
}
