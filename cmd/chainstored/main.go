// Command chainstored runs the chainstore storage engine as a standalone
// daemon: it opens every subsystem under the configured root directory and
// idles, the way an indexer or wallet backend would embed the store but
// with no RPC surface of its own yet.
package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"chainstore/internal/metrics"
	"chainstore/internal/store"
	"chainstore/pkg/config"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}

	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.Logging.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			logrus.WithError(err).Fatal("open log file")
		}
		defer f.Close()
		logrus.SetOutput(f)
	}

	if cfg.Storage.MetricsEnabled {
		metrics.MustRegister(prometheus.DefaultRegisterer)
	}

	s, err := store.Open(store.Config{
		RootDir:        cfg.Storage.RootDir,
		TxCacheEntries: cfg.Storage.TxCacheEntries,
	})
	if err != nil {
		logrus.WithError(err).Fatal("open store")
	}
	defer func() {
		if err := s.Close(); err != nil {
			logrus.WithError(err).Error("close store")
		}
	}()

	logrus.WithField("root_dir", cfg.Storage.RootDir).Info("chainstored started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logrus.Info("chainstored shutting down")
}
