// Copyright 2026 The VDO Authors
// This file is part of the vdo library.
//
// The vdo library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The vdo library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the vdo library. If not, see <http://www.gnu.org/licenses/>.

package vdolog

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Root is the process-wide base logger. The package init sets it to an
// Info-level console logger on stderr; Init swaps it for one that also
// writes to a rotating file. Opening a device does not call Init.
var Root = zap.NewExample().Sugar()

func init() {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(os.Stderr), zapcore.InfoLevel)
	Root = zap.New(core).Sugar()
}

// Init points Root at a rotating file core in addition to stderr, for use
// once a device's log directory is known. Callers should defer the
// returned flush function, which syncs Root and stops the file writer.
func Init(logDir string, rotateHours uint, maxBackups int) (flush func(), err error) {
	writer := NewAsyncFileWriter(logDir+"/vdo.log", 4096, maxBackups, rotateHours)
	if err := writer.Start(); err != nil {
		return nil, err
	}
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), writer, zapcore.DebugLevel)
	consoleCore := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(os.Stderr), zapcore.InfoLevel)

	Root = zap.New(zapcore.NewTee(fileCore, consoleCore)).Sugar()
	return func() {
		Root.Sync()
		writer.Stop()
	}, nil
}

// For returns a logger scoped to a named component, e.g. vdolog.For("packer").
func For(component string) *zap.SugaredLogger {
	return Root.With("component", component)
}

// ForZone returns a logger scoped to a single zone instance.
func ForZone(kind string, id int) *zap.SugaredLogger {
	return Root.With("zone", kind, "zoneID", id)
}
