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

/*
Package server exposes the time-stamp service over HTTP: the RFC 3161 3.4
transport on POST /tsp, the health probes and the prometheus metrics.
Protocol failures travel inside the DER payload with HTTP 200; only
transport level problems (oversized bodies, malformed HTTP) answer 400.
*/
package server

import (
	"io"
	"net"
	"strconv"
	"time"

	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/veritime/tsad/stats"
	"github.com/veritime/tsad/tsa"
)

const (
	contentTypeQuery = "application/timestamp-query"
	contentTypeReply = "application/timestamp-reply"

	// maxRequestBytes caps the request body; a TimeStampReq is usually
	// around 100 bytes and never legitimately larger than a few KiB.
	maxRequestBytes = 8 * 1024
)

// Server is the HTTP front of the time-stamp engine.
type Server struct {
	app         *fiber.App
	engine      *tsa.TimeStamper
	bindAddress string
	bindPort    int
}

// New assembles the HTTP surface over the response engine.
func New(bindAddress string, bindPort int, engine *tsa.TimeStamper) *Server {
	s := &Server{
		engine:      engine,
		bindAddress: bindAddress,
		bindPort:    bindPort,
	}
	s.app = fiber.New(fiber.Config{
		DisableStartupMessage: true,
		StreamRequestBody:     true,
		BodyLimit:             64 * 1024,
		ReadTimeout:           30 * time.Second,
		WriteTimeout:          30 * time.Second,
	})
	s.app.Post("/tsp", s.handleTimeStamp)
	s.app.Post("/", s.handleTimeStamp)
	s.app.Get("/health/started", s.handleHealth)
	s.app.Get("/health/ready", s.handleHealth)
	s.app.Get("/health/live", s.handleHealth)
	s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(stats.Registry, promhttp.HandlerOpts{})))
	return s
}

// App exposes the fiber application for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves until Shutdown is called.
func (s *Server) Listen() error {
	addr := net.JoinHostPort(s.bindAddress, strconv.Itoa(s.bindPort))
	log.Infof("time-stamp API listening on %s", addr)
	return s.app.Listen(addr)
}

// Shutdown stops accepting connections and lets outstanding requests
// finish within the grace period.
func (s *Server) Shutdown(grace time.Duration) error {
	return s.app.ShutdownWithTimeout(grace)
}

// handleTimeStamp ingests one DER TimeStampReq with a hard size cap and
// answers with the DER TimeStampResp.
func (s *Server) handleTimeStamp(c *fiber.Ctx) error {
	if ct := c.Get(fiber.HeaderContentType); ct != contentTypeQuery {
		log.Debugf("wrong content-type %q in request (allowing this to proceed anyway)", ct)
	}
	if length := c.Request().Header.ContentLength(); length > maxRequestBytes {
		return fiber.NewError(fiber.StatusBadRequest, "content-length indicates that this request is too large")
	}

	var body []byte
	if stream := c.Context().RequestBodyStream(); stream != nil {
		b, err := io.ReadAll(io.LimitReader(stream, maxRequestBytes+1))
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "failed to read request body")
		}
		body = b
	} else {
		body = c.Body()
	}
	if len(body) > maxRequestBytes {
		return fiber.NewError(fiber.StatusBadRequest, "request is too large")
	}

	response := s.engine.Respond(c.Context(), body)
	c.Set(fiber.HeaderContentType, contentTypeReply)
	return c.Send(response)
}

// handleHealth backs all three probes: started, ready and live answer up
// iff signing material with an unexpired leaf is published and the
// timekeeper is within tolerance.
func (s *Server) handleHealth(c *fiber.Ctx) error {
	if s.engine.Ready() {
		return c.JSON(fiber.Map{"status": "UP"})
	}
	return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "DOWN"})
}
