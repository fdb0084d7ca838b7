// Command tokensrv is a minimal reference implementation of the HTTP
// endpoint a TokenGenerationURL option is expected to serve: given a
// namespace and its pre-declared subscription patterns, mint a signed
// token and report its expiry. It exists to make the indirect auth mode
// runnable end to end; production deployments mint tokens from whatever
// principal store they already have.
package main

import (
	"errors"
	"flag"
	"net/http"
	"os"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hpkv-io/zustand-multiplayer-sub001/pkg/jsonx"
)

type tokenRequest struct {
	Namespace string   `json:"namespace"`
	Patterns  []string `json:"patterns"`
}

type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expiresAt"`
}

func main() {
	addr := flag.String("addr", "127.0.0.1:8081", "listen address")
	secret := flag.String("secret", "", "HMAC signing secret (required)")
	ttl := flag.Duration("ttl", time.Hour, "issued token lifetime")
	flag.Parse()

	if *secret == "" {
		_, _ = os.Stderr.WriteString("Usage: tokensrv -secret=<hmac-secret> [-addr=127.0.0.1:8081] [-ttl=1h]\n")
		os.Exit(1)
	}

	log := buildLogger()
	defer log.Sync()
	log = log.Named("tokensrv")

	binding.EnableDecoderDisallowUnknownFields = true
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	_ = r.SetTrustedProxies([]string{"127.0.0.1"})
	r.Use(gin.Recovery())
	if os.Getenv("ENV") == "dev" {
		r.Use(cors.New(cors.Config{
			AllowOrigins: []string{"http://localhost:5173"},
			AllowMethods: []string{"POST", "OPTIONS"},
			AllowHeaders: []string{"Content-Type"},
			MaxAge:       12 * time.Hour,
		}))
	}
	r.Use(zapLogger(log))

	r.POST("/token", func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 1<<16)
		defer c.Request.Body.Close()

		var req tokenRequest
		if err := jsonx.ParseJSONObject(c.Request.Body, &req); err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
			return
		}
		if req.Namespace == "" {
			c.JSON(http.StatusBadRequest, gin.H{"message": "namespace is required"})
			return
		}

		now := time.Now()
		expiresAt := now.Add(*ttl)
		claims := jwt.MapClaims{
			"sub":      req.Namespace,
			"patterns": req.Patterns,
			"iat":      now.Unix(),
			"exp":      expiresAt.Unix(),
		}
		signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(*secret))
		if err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"message": "token signing failed"})
			return
		}

		c.JSON(http.StatusOK, tokenResponse{Token: signed, ExpiresAt: expiresAt.UnixMilli()})
	})

	httpserver := &http.Server{
		Addr:           *addr,
		Handler:        r,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   15 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 15,
		ErrorLog:       zap.NewStdLog(log.Named("http").WithOptions(zap.AddCallerSkip(1))),
	}

	log.Info("running token endpoint", zap.String("addr", *addr))
	if err := httpserver.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("server failed", zap.Error(err))
	}
}

func zapLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		var errs []error
		for _, ge := range c.Errors {
			if ge.Err != nil {
				errs = append(errs, ge.Err)
			}
		}
		joinedErr := errors.Join(errs...)

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		}
		if joinedErr != nil {
			fields = append(fields, zap.Error(joinedErr))
		}
		if c.Writer.Status() >= 500 {
			log.Error("request", fields...)
		} else {
			log.Info("request", fields...)
		}
	}
}

func buildLogger() *zap.Logger {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.TimeKey = ""
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cfg.DisableStacktrace = true
	cfg.DisableCaller = true
	return zap.Must(cfg.Build())
}
