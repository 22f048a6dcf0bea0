package main

import (
	"context"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/hordeproject/horde/internal/common"
	"github.com/hordeproject/horde/internal/horde"
	"github.com/hordeproject/horde/internal/horde/configuration"
)

const CustomConfigLocation string = "config"

func init() {
	pflag.String(CustomConfigLocation, "", "Fully qualified path to application configuration file")
	pflag.Uint16("apiPort", 8288, "Port the JSON API listens on")
	pflag.Parse()
}

func main() {
	common.ConfigureLogging()
	common.BindCommandlineArguments()

	var config configuration.HordeConfig
	userSpecifiedConfig := viper.GetString(CustomConfigLocation)
	common.LoadConfig(&config, "./config/horde", userSpecifiedConfig)

	log.Info("Starting...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := horde.Serve(ctx, &config, uint16(viper.GetUint32("apiPort"))); err != nil {
		log.Fatal(err)
	}
}
