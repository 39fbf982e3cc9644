package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/windlassproject/windlass/internal/common"
	"github.com/windlassproject/windlass/internal/common/health"
	"github.com/windlassproject/windlass/internal/windlass"
	"github.com/windlassproject/windlass/internal/windlass/configuration"
	"github.com/windlassproject/windlass/internal/windlass/pool"
)

const CustomConfigLocation string = "config"

func init() {
	pflag.String(CustomConfigLocation, "", "Fully qualified path to application configuration file")
}

func main() {
	common.ConfigureLogging()
	common.BindCommandlineArguments()

	var config configuration.WindlassConfig
	userSpecifiedConfig := viper.GetString(CustomConfigLocation)
	common.LoadConfig(&config, "./config/windlass", userSpecifiedConfig)

	log.Info("Starting...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stopSignal := make(chan os.Signal, 1)
	signal.Notify(stopSignal, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-stopSignal
		log.Infof("Received %s, shutting down", sig)
		cancel()
	}()

	shutdownMetricServer := common.ServeMetrics(config.MetricsPort)
	defer shutdownMetricServer()

	healthChecks := health.NewMultiChecker()

	// The payload a job computes is application-defined. This binary wires an
	// echo executor as the execution backend; deployments embed their own via
	// the windlass.Serve hook.
	echoExecutor := func(ctx context.Context, req pool.ExecuteRequest) ([]byte, error) {
		return req.Payload, nil
	}

	if err := windlass.Serve(ctx, &config, healthChecks, echoExecutor); err != nil && ctx.Err() == nil {
		log.Fatalf("Scheduler exited with error: %v", err)
	}
}
