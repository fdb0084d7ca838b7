// Command multiplayer-clear wipes every key in a namespace, for
// resetting a demo/dev environment between runs.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hpkv-io/zustand-multiplayer-sub001"
)

func main() {
	namespace := flag.String("namespace", "", "namespace to clear (required)")
	apiBaseURL := flag.String("api-base-url", "https://127.0.0.1:6379", "remote storage base URL")
	apiKey := flag.String("api-key", "", "direct-mode API key (required)")
	flag.Parse()

	if *namespace == "" || *apiKey == "" {
		fmt.Println("Usage: multiplayer-clear -namespace=<ns> -api-key=<key> [-api-base-url=https://127.0.0.1:6379]")
		os.Exit(1)
	}

	log := buildLogger()
	log = log.Named("main")

	inst, err := multiplayer.Wrap(map[string]any{}, multiplayer.Options{
		Namespace:  *namespace,
		APIBaseURL: *apiBaseURL,
		APIKey:     *apiKey,
		LogLevel:   multiplayer.LogWarn,
	})
	if err != nil {
		log.Fatal("wrap failed", zap.Error(err))
	}

	// Wrap connects asynchronously; wait for the session before clearing.
	connectDeadline := time.Now().Add(20 * time.Second)
	for string(inst.GetConnectionStatus().ConnectionState) != "CONNECTED" {
		if time.Now().After(connectDeadline) {
			log.Fatal("connect timed out", zap.String("namespace", *namespace))
		}
		time.Sleep(50 * time.Millisecond)
	}

	start := time.Now()
	deleted, err := inst.ClearStorage(context.Background())
	if err != nil {
		log.Fatal("clear failed", zap.String("namespace", *namespace), zap.Error(err))
	}

	log.Info("namespace cleared",
		zap.String("namespace", *namespace),
		zap.Int("deleted", deleted),
		zap.Duration("took", time.Since(start)),
	)

	_ = inst.Destroy(context.Background())
}

func buildLogger() *zap.Logger {
	logConfig := zap.NewDevelopmentConfig()
	logConfig.EncoderConfig.TimeKey = ""
	logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logConfig.DisableStacktrace = true
	logConfig.DisableCaller = true
	logConfig.Level.SetLevel(zap.DebugLevel)
	return zap.Must(logConfig.Build())
}
