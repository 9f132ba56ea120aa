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

package postgresql

import (
	"testing"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/united-manufacturing-hub/umh-utils/logger"
)

func CreateMockConnection(t *testing.T) (*Connection, pgxmock.PgxPoolIface) {
	_ = logger.New("DEVELOPMENT")
	mocked, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("Failed to create mock connection: %v", err)
	}
	t.Cleanup(mocked.Close)
	return &Connection{Db: mocked}, mocked
}
