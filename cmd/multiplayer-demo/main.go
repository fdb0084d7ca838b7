// Command multiplayer-demo runs a tiny HTTP surface over a single
// multiplayer.Instance, so the wiring (Redis transport, token manager,
// orchestrator) can be exercised end to end against a running Redis
// without embedding it into a host application.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hpkv-io/zustand-multiplayer-sub001"
	"github.com/hpkv-io/zustand-multiplayer-sub001/pkg/jsonx"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:8080", "listen address")
	namespace := flag.String("namespace", "demo", "multiplayer namespace")
	apiBaseURL := flag.String("api-base-url", "https://127.0.0.1:6379", "remote storage base URL")
	apiKey := flag.String("api-key", "", "direct-mode API key")
	flag.Parse()

	if *apiKey == "" {
		_, _ = os.Stderr.WriteString("Usage: multiplayer-demo -api-key=<key> [-addr=127.0.0.1:8080] [-namespace=demo] [-api-base-url=https://127.0.0.1:6379]\n")
		os.Exit(1)
	}

	log := buildLogger()
	defer log.Sync()
	log = log.Named("main")

	inst, err := multiplayer.Wrap(map[string]any{
		"todos":   map[string]any{},
		"counter": 0.0,
	}, multiplayer.Options{
		Namespace:  *namespace,
		APIBaseURL: *apiBaseURL,
		APIKey:     *apiKey,
		LogLevel:   multiplayer.LogInfo,
	})
	if err != nil {
		log.Fatal("wrap failed", zap.Error(err))
	}
	defer inst.Destroy(context.Background()) //nolint:errcheck // best-effort cleanup on exit

	binding.EnableDecoderDisallowUnknownFields = true
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	_ = r.SetTrustedProxies([]string{"127.0.0.1"})
	r.Use(gin.Recovery())
	if os.Getenv("ENV") == "dev" {
		r.Use(cors.New(cors.Config{
			AllowOrigins: []string{"http://localhost:5173"},
			AllowMethods: []string{"GET", "POST", "OPTIONS"},
			AllowHeaders: []string{"Content-Type"},
			MaxAge:       12 * time.Hour,
		}))
	}
	r.Use(zapLogger(log))

	r.GET("/state", func(c *gin.Context) {
		c.JSON(http.StatusOK, inst.GetState())
	})

	r.POST("/state", func(c *gin.Context) {
		var partial map[string]any
		if err := jsonx.ParseStrictJSONBody(c.Request, &partial); err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
			return
		}
		if err := inst.SetState(c.Request.Context(), partial, false); err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
			return
		}
		c.JSON(http.StatusOK, inst.GetState())
	})

	r.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, inst.GetConnectionStatus())
	})

	r.GET("/metrics", func(c *gin.Context) {
		c.JSON(http.StatusOK, inst.GetMetrics())
	})

	r.POST("/clear", func(c *gin.Context) {
		deleted, err := inst.ClearStorage(c.Request.Context())
		if err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"deleted": deleted})
	})

	// /ws streams every state transition to a browser client, so it can
	// mirror the instance's state without polling /state.
	r.GET("/ws", func(c *gin.Context) {
		serveWebsocket(c.Writer, c.Request, inst, log)
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

	log.Info("running HTTP demo server", zap.String("addr", *addr))
	if err := httpserver.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("server failed", zap.Error(err))
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1 << 12,
	WriteBufferSize: 1 << 16,
	CheckOrigin:     func(r *http.Request) bool { return os.Getenv("ENV") == "dev" },
}

// serveWebsocket upgrades the connection and pushes inst's full state on
// every transition until the client disconnects or the write fails.
func serveWebsocket(w http.ResponseWriter, r *http.Request, inst *multiplayer.Instance, log *zap.Logger) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	unsubscribe := inst.Subscribe(func(next, prev map[string]any) {
		if err := conn.WriteJSON(next); err != nil {
			log.Debug("websocket write failed", zap.Error(err))
		}
	})
	defer unsubscribe()

	if err := conn.WriteJSON(inst.GetState()); err != nil {
		return
	}
	<-done
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
		switch {
		case c.Writer.Status() >= 500:
			log.Error("request", fields...)
		case c.Writer.Status() >= 400:
			log.Warn("request", fields...)
		default:
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
