/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package sntp

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// DefaultPort is used when the configured NTP host carries no port
const DefaultPort = "123"

// Sample is the result of one successful SNTP exchange.
type Sample struct {
	Stratum         uint8
	Precision       int8  // power of 2 seconds
	OffsetMicros    int64 // local clock offset, signed
	RoundTripMicros int64 // network round-trip delay
	Sec             uint32
	Frac            uint32
}

// PrecisionMicros is the server-declared clock precision in microseconds.
func (s *Sample) PrecisionMicros() uint64 {
	return PrecisionToMicros(s.Precision)
}

// EpochMicros is the server transmit timestamp as Unix epoch microseconds.
func (s *Sample) EpochMicros() uint64 {
	return uint64(Unix(s.Sec, s.Frac).UnixMicro())
}

// Client sends single-shot SNTPv4 queries to one server.
// The server address is resolved once at construction and the UDP socket
// is retained for the client lifetime. The client never retries and never
// caches: a lost or malformed reply is simply no sample.
type Client struct {
	serverAddr *net.UDPAddr
	conn       *net.UDPConn
	timeout    time.Duration

	mu sync.Mutex // serializes exchanges on the shared socket
}

// NewClient resolves host ("hostname" or "hostname:port") and binds a
// non-privileged local UDP socket.
func NewClient(host string, timeout time.Duration) (*Client, error) {
	if !strings.Contains(host, ":") {
		host = net.JoinHostPort(host, DefaultPort)
	}
	serverAddr, err := net.ResolveUDPAddr("udp", host)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve NTP host %q: %w", host, err)
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("failed to bind UDP socket: %w", err)
	}
	log.Debugf("local UDP listener bound to %v", conn.LocalAddr())
	return &Client{
		serverAddr: serverAddr,
		conn:       conn,
		timeout:    timeout,
	}, nil
}

// Close releases the client socket.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Query performs one SNTPv4 exchange with an absolute deadline of
// now + timeout (or the context deadline, whichever comes first).
// Timeouts, socket errors and malformed replies all resolve to an error.
func (c *Client) Query(ctx context.Context) (*Sample, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	clientTransmitTime := time.Now()
	sec, frac := Time(clientTransmitTime)
	request := &Packet{
		Settings:   ClientSettings,
		TxTimeSec:  sec,
		TxTimeFrac: frac,
	}
	b, err := request.Bytes()
	if err != nil {
		return nil, err
	}
	if _, err := c.conn.WriteToUDP(b, c.serverAddr); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	buf := make([]byte, PacketSizeBytes)
	n, _, err := c.conn.ReadFromUDP(buf)
	clientReceiveTime := time.Now()
	if err != nil {
		return nil, fmt.Errorf("no response from %v: %w", c.serverAddr, err)
	}
	response, err := BytesToPacket(buf[:n])
	if err != nil {
		return nil, fmt.Errorf("malformed response: %w", err)
	}
	if !response.ValidServerResponse() {
		return nil, fmt.Errorf("invalid response settings 0x%x stratum %d", response.Settings, response.Stratum)
	}
	// origin time must echo our transmit time, otherwise this is a stale
	// packet from the kernel queue
	if response.OrigTimeSec != sec || response.OrigTimeFrac != frac {
		return nil, fmt.Errorf("origin timestamp does not match request")
	}

	originTime := Unix(response.OrigTimeSec, response.OrigTimeFrac)
	serverReceiveTime := Unix(response.RxTimeSec, response.RxTimeFrac)
	serverTransmitTime := Unix(response.TxTimeSec, response.TxTimeFrac)

	offset := Offset(originTime, serverReceiveTime, serverTransmitTime, clientReceiveTime)
	delay := RoundTripDelay(originTime, serverReceiveTime, serverTransmitTime, clientReceiveTime)
	if delay < 0 {
		delay = 0
	}

	return &Sample{
		Stratum:         response.Stratum,
		Precision:       response.Precision,
		OffsetMicros:    offset / time.Microsecond.Nanoseconds(),
		RoundTripMicros: delay / time.Microsecond.Nanoseconds(),
		Sec:             response.TxTimeSec,
		Frac:            response.TxTimeFrac,
	}, nil
}
