//go:build linux

/*
 * Copyright 2024 the urpc project
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *      https://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urpc/ltecho"
	"github.com/urpc/ltecho/internal/logging"
	"go.uber.org/zap"
)

func main() {
	var (
		srv     ltecho.Server
		logOpts logging.Options
	)

	flag.StringVar(&srv.Addr, "addr", ltecho.DefaultAddr, "listen address")
	flag.IntVar(&srv.Backlog, "backlog", 0, "pending connection queue length (0 = SOMAXCONN)")
	flag.BoolVar(&srv.ReusePort, "reuseport", false, "set SO_REUSEPORT on the listener")
	flag.IntVar(&srv.BufferSize, "buffer", ltecho.DefaultBufferSize, "read buffer capacity in bytes")
	flag.StringVar(&srv.StatsFile, "stats-file", "./epoll_server.log", "read counter file, empty disables it")
	flag.DurationVar(&srv.StatsInterval, "stats-interval", ltecho.DefaultStatsInterval, "minimum time between stats file writes")
	flag.StringVar(&logOpts.Level, "log-level", "info", "log level: debug, info, warn, error")
	flag.StringVar(&logOpts.File, "log-file", "", "write logs to a rotated file instead of stdout")
	flag.Parse()

	logger, err := logging.New(logOpts)
	if nil != err {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer logger.Sync()

	srv.Logger = logger
	srv.OnData = func(c ltecho.Conn, data []byte) {
		logger.Debug("process data", zap.Int("fd", c.Fd()), zap.Int("len", len(data)))
	}

	if err = srv.Listen(); nil != err {
		logger.Fatal("startup failed", zap.Error(err))
	}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		s := <-sig
		logger.Info("shutting down", zap.Stringer("signal", s))
		_ = srv.Close()
	}()

	if err = srv.Serve(); nil != err {
		logger.Error("server exited with error", zap.Error(err))
	}

	fmt.Printf("Total read() calls: %d\n", srv.Stats().Reads())
}
