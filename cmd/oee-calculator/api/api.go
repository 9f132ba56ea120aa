// Copyright 2023 UMH Systems GmbH
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

// Package api serves computed metrics over HTTP.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-contrib/gzip"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/united-manufacturing-hub/oee-calculator/cmd/oee-calculator/postgresql"
	"github.com/united-manufacturing-hub/oee-calculator/cmd/oee-calculator/publisher"
	"github.com/united-manufacturing-hub/oee-calculator/pkg/datamodel"
	"github.com/united-manufacturing-hub/oee-calculator/pkg/oee"
	"go.uber.org/zap"
)

type Reference interface {
	ResolveMachineID(ctx context.Context, name string) (int, error)
	GetFinalMetrics(ctx context.Context, orderID string) (datamodel.OEEMetrics, error)
}

type MetricsSource interface {
	Metrics(machineID int) (datamodel.OEEMetrics, error)
	Hourly(machineID int) ([]datamodel.HourBucket, error)
}

type Server struct {
	ref     Reference
	metrics MetricsSource
	hub     *publisher.Hub
}

func New(ref Reference, metrics MetricsSource, hub *publisher.Hub) *Server {
	return &Server{ref: ref, metrics: metrics, hub: hub}
}

func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(ginzap.Ginzap(zap.L(), time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(zap.L(), true))

	router.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "online")
	})

	v1 := router.Group("/api/v1")
	{
		v1.GET("/machines/:machine/oee/stream", s.streamHandler)

		compressed := v1.Group("", gzip.Gzip(gzip.DefaultCompression))
		compressed.GET("/machines/:machine/oee", s.metricsHandler)
		compressed.GET("/machines/:machine/oee/hourly", s.hourlyHandler)
		compressed.GET("/orders/:order/oee", s.orderHandler)
	}
	return router
}

// Run serves until ctx is canceled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errC := make(chan error, 1)
	go func() {
		errC <- srv.ListenAndServe()
	}()
	zap.S().Infof("HTTP API listening on %s", addr)

	select {
	case err := <-errC:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

type machineRequest struct {
	Machine string `uri:"machine" binding:"required"`
}

type orderRequest struct {
	Order string `uri:"order" binding:"required"`
}

func handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, postgresql.ErrMachineNotFound), errors.Is(err, postgresql.ErrMetricsNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, oee.ErrMetricsUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		zap.S().Errorw("Internal server error", "path", c.Request.URL.Path, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

func (s *Server) machineID(c *gin.Context) (int, bool) {
	var req machineRequest
	if err := c.ShouldBindUri(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return 0, false
	}
	id, err := s.ref.ResolveMachineID(c.Request.Context(), req.Machine)
	if err != nil {
		handleError(c, err)
		return 0, false
	}
	return id, true
}

func (s *Server) metricsHandler(c *gin.Context) {
	id, ok := s.machineID(c)
	if !ok {
		return
	}
	m, err := s.metrics.Metrics(id)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (s *Server) hourlyHandler(c *gin.Context) {
	id, ok := s.machineID(c)
	if !ok {
		return
	}
	buckets, err := s.metrics.Hourly(id)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, buckets)
}

func (s *Server) orderHandler(c *gin.Context) {
	var req orderRequest
	if err := c.ShouldBindUri(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	m, err := s.ref.GetFinalMetrics(c.Request.Context(), req.Order)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// streamHandler sends the current snapshot followed by every new one as
// server-sent events until the client leaves or the subscription is dropped.
func (s *Server) streamHandler(c *gin.Context) {
	id, ok := s.machineID(c)
	if !ok {
		return
	}
	sub := s.hub.Subscribe(id)
	defer s.hub.Unsubscribe(sub)

	if m, err := s.metrics.Metrics(id); err == nil {
		c.SSEvent("oee", m)
		c.Writer.Flush()
	}

	c.Stream(func(_ io.Writer) bool {
		select {
		case m, open := <-sub.C:
			if !open {
				return false
			}
			c.SSEvent("oee", m)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
