/*
Copyright 2018-2022 Mailgun Technologies Inc

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tickerwatch/quoteproxy"
)

var log = logrus.WithField("category", "quoteproxy")
var Version = "dev-build"

func main() {
	var configFile string
	var debug, version bool

	logrus.Infof("QuoteProxy %s", Version)

	flags := flag.NewFlagSet("quoteproxy", flag.ContinueOnError)
	flags.StringVar(&configFile, "config", "", "environment config file")
	flags.BoolVar(&debug, "debug", false, "enable debug")
	flags.BoolVar(&version, "version", false, "print version and exit")
	checkErr(flags.Parse(os.Args[1:]), "while parsing flags")

	if version {
		fmt.Println(Version)
		return
	}
	if debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	// Read our config from the environment or optional environment config file
	conf, err := quoteproxy.SetupDaemonConfig(logrus.StandardLogger(), configFile)
	checkErr(err, "while getting config")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	daemon, err := quoteproxy.SpawnDaemon(ctx, conf)
	checkErr(err, "while starting server")

	// Wait here for signals to clean up our mess
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	for sig := range c {
		log.Infof("caught signal %s; shutting down", sig)
		daemon.Close()
		return
	}
}

func checkErr(err error, msg string) {
	if err != nil {
		log.WithError(err).Error(msg)
		os.Exit(1)
	}
}
