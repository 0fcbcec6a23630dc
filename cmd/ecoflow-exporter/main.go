/*
 * Copyright 2023 Comcast Cable Communications Management, LLC
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ecoflow/ecoflow-exporter/buildinfo"
	"github.com/ecoflow/ecoflow-exporter/config"
	"github.com/ecoflow/ecoflow-exporter/factory"
	"github.com/ecoflow/ecoflow-exporter/logger"
	"github.com/ecoflow/ecoflow-exporter/middleware/muxprom"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gopkg.in/alecthomas/kingpin.v2"
)

type traceIDKey struct{}

const app = "ecoflow-exporter"

var (
	a                 = kingpin.New(app, "Prometheus exporter for EcoFlow portable power stations")
	logMethod         = a.Flag("log.method", "alternative method for logging in addition to stdout").PlaceHolder("[file|vector]").Default("").Envar("LOG_METHOD").String()
	logFilePath       = a.Flag("log.file-path", "directory path where log files are written if log-method is file").Default("/var/log/ecoflow-exporter").Envar("LOG_FILE_PATH").String()
	logFileMaxSize    = a.Flag("log.file-max-size", "max file size in megabytes if log-method is file").Default("256").Envar("LOG_FILE_MAX_SIZE").Int()
	logFileMaxBackups = a.Flag("log.file-max-backups", "max file backups before they are rotated if log-method is file").Default("1").Envar("LOG_FILE_MAX_BACKUPS").Int()
	logFileMaxAge     = a.Flag("log.file-max-age", "max file age in days before they are rotated if log-method is file").Default("1").Envar("LOG_FILE_MAX_AGE").Int()
	vectorEndpoint    = a.Flag("vector.endpoint", "vector endpoint to send structured json logs to").Default("http://0.0.0.0:4444").Envar("VECTOR_ENDPOINT").String()

	log *zap.Logger
)

var wg sync.WaitGroup

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	hostname, err := os.Hostname()
	if err != nil {
		hostname = ""
	}

	a.HelpFlag.Short('h')
	if _, err := a.Parse(os.Args[1:]); err != nil {
		panic(fmt.Errorf("error parsing argument flags - %s", err.Error()))
	}

	if *logMethod == "file" {
		fd, err := os.Stat(*logFilePath)
		if os.IsNotExist(err) {
			panic(err)
		}
		if !fd.IsDir() {
			panic(fmt.Errorf("%s is not a directory", *logFilePath))
		}
	}

	logger.Initialize(app, hostname, logger.LoggerConfig{
		LogMethod: *logMethod,
		LogFile: logger.LogFile{
			Path:       *logFilePath,
			MaxSize:    *logFileMaxSize,
			MaxBackups: *logFileMaxBackups,
			MaxAge:     *logFileMaxAge,
		},
		VectorEndpoint: *vectorEndpoint,
	})
	log = zap.L()
	defer logger.Flush()

	cfg, err := config.Load()
	if err != nil {
		log.Error("invalid configuration", zap.Error(err))
		os.Exit(1)
	}
	config.NewConfig(cfg)
	logger.SetLevel(strings.ToLower(cfg.LogLevel))

	w, err := factory.Build(ctx, cfg, prometheus.DefaultRegisterer)
	if err != nil {
		log.Error("failed to build exporter", zap.Error(err))
		os.Exit(1)
	}

	router := mux.NewRouter()
	instrumentation := muxprom.NewDefaultInstrumentation()
	router.Use(instrumentation.Middleware)

	router.HandleFunc("/info", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(buildinfo.Info)
	}).Methods("GET")

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	router.HandleFunc("/verbosity", logger.Verbosity).Methods("GET")
	router.HandleFunc("/verbosity", logger.SetVerbosity).Methods("PUT")

	srv := &http.Server{
		Addr:    ":" + cfg.ExporterPort,
		Handler: loggingHandler(router),
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("starting "+app+" service failed", zap.Error(err))
		}
	}()

	log.Info("started "+app+" service", zap.String("port", cfg.ExporterPort))

	<-ctx.Done()
	log.Info("shutdown signal received, stopping app")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown failed", zap.Error(err))
	}

	if err := w.Disconnect(); err != nil {
		log.Error("backend disconnect failed", zap.Error(err))
	}

	wg.Wait()
}

// statusResponseWriter wraps an http.ResponseWriter, recording the status
// code for logging.
type statusResponseWriter struct {
	http.ResponseWriter
	status int
}

func (r *statusResponseWriter) WriteHeader(status int) {
	r.ResponseWriter.WriteHeader(status)
	r.status = status
}

// loggingHandler wraps h with a handler that tags every request with a
// trace ID and logs method/path/status/elapsed time once it completes.
func loggingHandler(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		req = req.WithContext(context.WithValue(req.Context(), traceIDKey{}, uuid.New().String()))
		srw := statusResponseWriter{ResponseWriter: w, status: http.StatusOK}

		defer func(start time.Time) {
			log.Info("finished handling",
				zap.String("method", req.Method),
				zap.String("url", req.URL.String()),
				zap.String("sourceAddr", req.RemoteAddr),
				zap.Int("status", srw.status),
				zap.Float64("elapsed_time_sec", time.Since(start).Seconds()),
				zap.Any("trace_id", req.Context().Value(traceIDKey{})),
			)
		}(time.Now())

		h.ServeHTTP(&srw, req)
	})
}
