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

package engine

import (
	"context"
	"time"

	"github.com/united-manufacturing-hub/oee-calculator/cmd/oee-calculator/commands"
	"github.com/united-manufacturing-hub/oee-calculator/cmd/oee-calculator/telemetry"
)

// CommandHandler is implemented by the command state machine.
type CommandHandler interface {
	Handle(ctx context.Context, machineID int, cmd commands.Command, value float64, at time.Time) error
}

// Handler routes decoded events to the command state machine and the engine.
type Handler struct {
	engine   *Engine
	commands CommandHandler
}

func NewHandler(engine *Engine, commands CommandHandler) *Handler {
	return &Handler{engine: engine, commands: commands}
}

func (h *Handler) HandleCommand(ctx context.Context, e telemetry.Event) error {
	cmd, err := commands.ParseCommand(e.Name)
	if err != nil {
		return err
	}
	return h.commands.Handle(ctx, e.MachineID, cmd, e.Value, e.Timestamp)
}

func (h *Handler) HandleMetric(ctx context.Context, e telemetry.Event) error {
	return h.engine.HandleMetric(ctx, e.MachineID, e.Name, e.Value, e.Timestamp)
}
