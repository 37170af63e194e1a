// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package descriptor

import (
	"log/slog"

	"github.com/gogpu/dispatch/internal/logx"
)

func slogger() *slog.Logger { return logx.L() }
