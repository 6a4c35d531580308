package main

import (
	"net"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tsawler/go-hansik/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve predictions over HTTP",
	RunE:  runServe,
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := current.cfg
	log := current.log

	clf, err := loadClassifier()
	if err != nil {
		return err
	}
	defer clf.Close()

	var det server.Detector
	if d, err := loadDetector(); err != nil {
		log.Warn("detector disabled", zap.Error(err))
	} else {
		defer d.Close()
		det = d
	}

	srv := server.New(server.Config{
		Addr:        net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		MaxUploadMB: cfg.Server.MaxUploadMB,
		DefaultTopK: cfg.Inference.TopK,
		Logger:      log,
	}, clf, det)

	ctx, cancel := signalContext()
	defer cancel()
	return srv.Start(ctx)
}
