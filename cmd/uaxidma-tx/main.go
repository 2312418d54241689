package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"

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
	message := flag.String("message", "a secret", "Payload to transmit")
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

	buf, err := ch.GetBuffer(1000)
	switch {
	case errors.Is(err, uaxidma.ErrTimeout):
		l.Error("Buffer acquisition timed out")
		os.Exit(1)
	case err != nil:
		util.LogWithContextIfNeeded("Failed to acquire a buffer", err, l)
		os.Exit(1)
	}

	n := copy(buf.Data(), *message)
	if err := buf.SetPayload(n); err != nil {
		util.LogWithContextIfNeeded("Failed to set the payload length", err, l)
		os.Exit(1)
	}

	if err := ch.SubmitBuffer(buf); err != nil {
		util.LogWithContextIfNeeded("Failed to submit the buffer", err, l)
		os.Exit(1)
	}

	l.WithField("bytes", n).Info("Payload submitted")
}
