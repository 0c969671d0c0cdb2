// Copyright 2021 Intel Corporation. All Rights Reserved.
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

package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/intel/lrusortd/pkg/lrusort"
)

const shutdownTimeout = 5 * time.Second

func exit(format string, a ...interface{}) {
	_, _ = fmt.Fprintf(os.Stderr, "lrusortd: "+format+"\n", a...)
	os.Exit(1)
}

func newLogger(logDest, logFormat string, debug bool) *logrus.Logger {
	logger := logrus.New()
	var out io.Writer
	switch logDest {
	case "", "stderr":
		out = os.Stderr
	case "-", "stdout":
		out = os.Stdout
	default:
		logFile, err := os.OpenFile(logDest, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			exit("failed to open log file %q: %v", logDest, err)
		}
		out = logFile
	}
	logger.SetOutput(out)
	switch logFormat {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{PadLevelText: true})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		exit("invalid log format %q, supported: text, json", logFormat)
	}
	if debug {
		logger.SetLevel(logrus.DebugLevel)
	}
	return logger
}

func loadConfig(configFile, engineName, engineConfig string) lrusort.Config {
	config := lrusort.DefaultConfig()
	if configFile != "" {
		var err error
		if config, err = lrusort.LoadConfig(configFile); err != nil {
			exit("%s", err)
		}
	}
	if engineName != "" {
		config.Engine.Name = engineName
	}
	if engineConfig != "" {
		config.Engine.Config = engineConfig
	}
	return config
}

// keepRunning returns true if lrusortd runs until a signal after
// executing -c and -f commands. Commands alone are a one-shot run.
func keepRunning(configFile, engineName, metricsAddr string, prompt bool) bool {
	return prompt || configFile != "" || engineName != "" || metricsAddr != ""
}

// reloadOnHangup replaces live parameters with the ones in the config
// file whenever the daemon receives SIGHUP.
func reloadOnHangup(ctx context.Context, g *errgroup.Group, configFile string, ls *lrusort.LruSort) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(hup)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-hup:
			}
			config, err := lrusort.LoadConfig(configFile)
			if err != nil {
				lrusort.Log().Errorf("reload ignored: %s", err)
				continue
			}
			ls.Params().Update(config.Params)
			ls.Params().SetCommitInputs()
			lrusort.Log().Infof("reloaded parameters from %q", configFile)
		}
	})
}

func serveMetrics(ctx context.Context, g *errgroup.Group, addr string, ls *lrusort.LruSort, logger *logrus.Logger) {
	registry := prometheus.NewPedanticRegistry()
	registry.MustRegister(lrusort.NewCollector(ls))
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		ErrorLog:      logger,
		ErrorHandling: promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if !ls.Settled() {
			http.Error(w, "enabled state change pending", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintf(w, "ok\n")
	})
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		lrusort.Log().Infof("serving metrics on %s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
}

func main() {
	optPrompt := flag.Bool("prompt", false, "Run commands from standard input (after commands from -c and -f)")
	optConfig := flag.String("config", "", "Load engine and parameters from a config FILE")
	optEngine := flag.String("engine", "", fmt.Sprintf("Monitoring engine, overrides config file. Available: %s", strings.Join(lrusort.EngineList(), ", ")))
	optEngineConfig := flag.String("engine-config", "", "Engine configuration in JSON or YAML, overrides config file")
	optDebug := flag.Bool("debug", false, "Print debug output")
	optCommandString := flag.String("c", "", "Run commands from STRING. Without -config, -engine, -prompt or -metrics-addr lrusortd exits after the commands")
	optCommandFile := flag.String("f", "", "Run commands from FILE, exits like -c")
	optLog := flag.String("l", "", "Write log to FILE, supports \"stdout\" and \"stderr\"")
	optLogFormat := flag.String("log-format", "text", "Log format: text or json")
	optEcho := flag.Bool("echo", false, "Echo commands before executing, affects -c, -f, and -prompt")
	optMetricsAddr := flag.String("metrics-addr", "", "Serve Prometheus metrics and health on ADDRESS, for instance \":9100\"")

	flag.Parse()

	logger := newLogger(*optLog, *optLogFormat, *optDebug)
	lrusort.SetLogger(logger)
	lrusort.SetLogDebug(*optDebug)

	if *optConfig == "" && *optEngine == "" && *optCommandString == "" && *optCommandFile == "" && !*optPrompt {
		exit("required at least one of: -config CONFIGFILE, -engine ENGINE, -c COMMANDS, -f COMMANDFILE, or -prompt")
	}

	config := loadConfig(*optConfig, *optEngine, *optEngineConfig)
	engine, err := lrusort.NewEngineFromConfig(config.Engine)
	if err != nil {
		exit("%s", err)
	}
	ls, err := lrusort.New(engine, config.Params)
	if err != nil {
		exit("failed to initialize LRU sorting with engine %q: %s", config.Engine.Name, err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if *optMetricsAddr != "" {
		serveMetrics(gctx, g, *optMetricsAddr, ls, logger)
	}
	if *optConfig != "" {
		reloadOnHangup(gctx, g, *optConfig, ls)
	}

	// Run commands in the following order:
	// 1. run string commands from command line
	// 2. run command file from command file
	// 3. run commands from standard input (interactive mode)
	// Quitting interactive prompt exits lrusortd. Otherwise
	// lrusortd runs until it gets a signal.
	var prompt *lrusort.Prompt
	if *optPrompt || *optCommandFile != "" || *optCommandString != "" {
		prompt = lrusort.NewPrompt("lrusortd> ", bufio.NewReader(os.Stdin), bufio.NewWriter(os.Stdout))
		prompt.SetEcho(*optEcho)
		prompt.SetLruSort(ls, config.Engine)
	}

	if *optCommandString != "" {
		prompt.SetInput(bufio.NewReader(strings.NewReader(*optCommandString)))
		lrusort.Log().Debugf("executing commands from command line")
		prompt.Interact()
	}

	if *optCommandFile != "" {
		commandFile, err := os.Open(*optCommandFile)
		if err != nil {
			exit("error in opening command file %q: %v", *optCommandFile, err)
		}
		prompt.SetInput(bufio.NewReader(commandFile))
		lrusort.Log().Debugf("executing commands from file %q", *optCommandFile)
		prompt.Interact()
		commandFile.Close()
	}

	if !keepRunning(*optConfig, *optEngine, *optMetricsAddr, *optPrompt) {
		// Only commands were given, nothing left to run.
		cancel()
	}

	if *optPrompt {
		// The prompt blocks on reading standard input, therefore
		// it is not waited for when a signal arrives.
		go func() {
			prompt.SetInput(bufio.NewReader(os.Stdin))
			lrusort.Log().Debugf("executing commands from standard input")
			prompt.Interact()
			cancel()
		}()
	}

	<-gctx.Done()
	lrusort.Log().Infof("shutting down")
	cancel()
	if err := g.Wait(); err != nil {
		lrusort.Log().Errorf("%s", err)
	}
	if err := ls.Close(); err != nil {
		exit("failed to stop LRU sorting: %s", err)
	}
}
