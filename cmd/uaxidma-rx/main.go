package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/DanGala/uaxidma"
	"github.com/DanGala/uaxidma/config"
	"github.com/DanGala/uaxidma/util"
	"github.com/sirupsen/logrus"
)

// A version string that can be set with
//
//	-ldflags "-X main.Build=SOMEVERSION"
//
// at compile-time.
var Build string

func init() {
	if Build == "" {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}

		Build = strings.TrimPrefix(info.Main.Version, "v")
	}
}

func main() {
	configPath := flag.String("config", "", "Path to either a file or directory to load configuration from")
	configTest := flag.Bool("test", false, "Test the config and exit. Non zero exit indicates a faulty config")
	hexdump := flag.Bool("hexdump", false, "Dump received payloads instead of only their sizes")
	printVersion := flag.Bool("version", false, "Print version")

	flag.Parse()

	if *printVersion {
		fmt.Printf("Version: %s\n", Build)
		os.Exit(0)
	}

	if *configPath == "" {
		fmt.Println("-config flag must be set")
		flag.Usage()
		os.Exit(1)
	}

	l := logrus.New()
	l.Out = os.Stdout

	c := config.NewC(l)
	if err := c.Load(*configPath); err != nil {
		fmt.Printf("failed to load config: %s", err)
		os.Exit(1)
	}

	if err := uaxidma.ConfigLogger(l, c); err != nil {
		util.LogWithContextIfNeeded("Failed to configure the logger", err, l)
		os.Exit(1)
	}

	if err := uaxidma.StartStats(l, c, Build, *configTest); err != nil {
		util.LogWithContextIfNeeded("Failed to start stats", err, l)
		os.Exit(1)
	}

	if *configTest {
		os.Exit(0)
	}

	ch, err := uaxidma.NewChannelFromConfig(c, l)
	if err != nil {
		util.LogWithContextIfNeeded("Failed to create the DMA channel", err, l)
		os.Exit(1)
	}
	defer ch.Close()

	if err := ch.Initialize(); err != nil {
		util.LogWithContextIfNeeded("Failed to initialize the DMA channel", err, l)
		os.Exit(1)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-stop:
			l.Info("Caught signal, shutting down")
			return
		default:
		}

		buf, err := ch.GetBuffer(1000)
		switch {
		case errors.Is(err, uaxidma.ErrTimeout):
			l.Debug("No packet within the last second")
			continue
		case err != nil:
			util.LogWithContextIfNeeded("Failed to acquire a buffer", err, l)
			os.Exit(1)
		}

		if *hexdump {
			fmt.Printf("% x\n", buf.Data()[:buf.Length()])
		}
		l.WithField("bytes", buf.Length()).Info("Packet received")

		if err := ch.MarkReusable(buf); err != nil {
			util.LogWithContextIfNeeded("Failed to release the buffer", err, l)
			os.Exit(1)
		}
	}
}
