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

package internal

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

type GracefulShutdownHandler interface {
	Shutdown()                // Triggers a graceful shutdown programmatically.
	ShuttingDown() bool       // Quickly checks if a shutdown is in progress.
	Wait() error              // Blocks until shutdown tasks are complete.
	Context() context.Context // Canceled as soon as the shutdown starts.
}

type gracefulShutdown struct {
	quit   chan os.Signal
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}
	err    error
}

// NewGracefulShutdown waits for SIGINT/SIGTERM or a call to Shutdown, cancels
// the handler context and runs onShutdown (if not nil) with a deadline of timeout.
func NewGracefulShutdown(onShutdown func(ctx context.Context) error, timeout time.Duration) GracefulShutdownHandler {
	ctx, cancel := context.WithCancel(context.Background())
	gs := &gracefulShutdown{
		quit:   make(chan os.Signal, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	signal.Notify(gs.quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer close(gs.done)
		// Kubernetes sends SIGTERM 30 seconds before killing the pod
		sig := <-gs.quit
		signal.Stop(gs.quit)
		gs.cancel()
		zap.S().Infow("Received signal, shutting down", "signal", sig.String())
		if onShutdown == nil {
			return
		}

		shutdownCtx, cncl := context.WithTimeout(context.Background(), timeout)
		defer cncl()
		zap.S().Infow("Waiting for shutdown tasks to complete", "timeout", timeout)
		gs.err = onShutdown(shutdownCtx)
		if gs.err != nil {
			zap.S().Errorw("Error during shutdown", "error", gs.err)
			return
		}
		zap.S().Info("Shutdown tasks completed. Ready to exit.")
	}()

	return gs
}

func (gs *gracefulShutdown) ShuttingDown() bool {
	return gs.ctx.Err() != nil
}

func (gs *gracefulShutdown) Shutdown() {
	gs.once.Do(func() {
		select {
		case gs.quit <- syscall.SIGTERM:
		default:
		}
	})
}

func (gs *gracefulShutdown) Wait() error {
	<-gs.done
	return gs.err
}

func (gs *gracefulShutdown) Context() context.Context {
	return gs.ctx
}
