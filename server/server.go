// Package server exposes the classifier and detector over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"image"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/tsawler/go-hansik/detection"
	"github.com/tsawler/go-hansik/engine"
	"github.com/tsawler/go-hansik/logging"
	"github.com/tsawler/go-hansik/vision/preprocessing"
)

// Classifier is the part of engine.Classifier the server uses.
type Classifier interface {
	PredictImage(img image.Image, topK int) ([]engine.Prediction, error)
	NumClasses() int
}

// Detector is the part of detection.Detector the server uses.
type Detector interface {
	DetectImage(img image.Image, confidence float64) ([]detection.DetectedObject, error)
}

// Config configures a Server.
type Config struct {
	Addr        string
	MaxUploadMB int
	DefaultTopK int
	Logger      *zap.Logger
}

// Server routes requests to a classifier and an optional detector.
type Server struct {
	echo       *echo.Echo
	cfg        Config
	classifier Classifier
	detector   Detector
	log        *zap.Logger
}

type predictResponse struct {
	Predictions []engine.Prediction `json:"predictions"`
}

type detectResponse struct {
	Objects []detection.DetectedObject `json:"objects"`
	Message string                     `json:"message,omitempty"`
}

// New builds the server. detector may be nil, in which case /detect
// answers 503.
func New(cfg Config, classifier Classifier, detector Detector) *Server {
	if cfg.MaxUploadMB <= 0 {
		cfg.MaxUploadMB = 10
	}
	if cfg.DefaultTopK <= 0 {
		cfg.DefaultTopK = 5
	}

	s := &Server{
		echo:       echo.New(),
		cfg:        cfg,
		classifier: classifier,
		detector:   detector,
		log:        logging.OrNop(cfg.Logger),
	}
	s.echo.HideBanner = true
	s.echo.HidePort = true

	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.BodyLimit(fmt.Sprintf("%dM", cfg.MaxUploadMB)))
	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:     true,
		LogStatus:  true,
		LogMethod:  true,
		LogLatency: true,
		Skipper: func(c echo.Context) bool {
			return c.Path() == "/health"
		},
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.log.Info("request",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency))
			return nil
		},
	}))

	s.echo.GET("/health", s.handleHealth)
	s.echo.POST("/predict", s.handlePredict)
	s.echo.POST("/detect", s.handleDetect)
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server listening", zap.String("addr", s.cfg.Addr))
		errCh <- s.echo.Start(s.cfg.Addr)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.echo.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":   "ok",
		"classes":  s.classifier.NumClasses(),
		"detector": s.detector != nil,
	})
}

func (s *Server) handlePredict(c echo.Context) error {
	topK := s.cfg.DefaultTopK
	if raw := c.FormValue("top_k"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "top_k must be an integer")
		}
		topK = v
	}

	img, err := formImage(c)
	if err != nil {
		return err
	}

	preds, err := s.classifier.PredictImage(img, topK)
	if err != nil {
		s.log.Error("prediction failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "prediction failed")
	}
	return c.JSON(http.StatusOK, predictResponse{Predictions: preds})
}

func (s *Server) handleDetect(c echo.Context) error {
	if s.detector == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "detector not loaded")
	}

	var conf float64
	if raw := c.FormValue("conf"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 || v > 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "conf must be a number in [0, 1]")
		}
		conf = v
	}

	img, err := formImage(c)
	if err != nil {
		return err
	}

	objects, err := s.detector.DetectImage(img, conf)
	if err != nil {
		s.log.Error("detection failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "detection failed")
	}

	resp := detectResponse{Objects: objects}
	if len(objects) == 0 {
		resp.Objects = []detection.DetectedObject{}
		resp.Message = "no food recognized"
	}
	return c.JSON(http.StatusOK, resp)
}

func formImage(c echo.Context) (image.Image, error) {
	fh, err := c.FormFile("image")
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "no image provided; use the 'image' form field")
	}
	f, err := fh.Open()
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "failed to read upload")
	}
	defer f.Close()

	img, err := preprocessing.Decode(f)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid image; JPEG or PNG expected")
	}
	return img, nil
}
