package main

import (
	"fmt"
	"os"

	gologrus "github.com/fclairamb/go-log/logrus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/swaggy-yolo-united/sampler/pkg/fatfs"
	"github.com/swaggy-yolo-united/sampler/pkg/sdcard"
	"github.com/swaggy-yolo-united/sampler/pkg/sderr"
	"github.com/swaggy-yolo-united/sampler/pkg/spibus"
)

func main() {
	if len(os.Args) != 3 {
		fmt.Fprintln(os.Stderr, "usage: example IMAGE FILE")
		os.Exit(2)
	}
	l := logrus.New()
	l.SetLevel(logrus.DebugLevel)
	logger := gologrus.NewWrap(l)

	img, err := fatfs.OpenImageFile(afero.NewOsFs(), os.Args[1])
	if err != nil {
		panic(err)
	}
	defer img.Close()

	cs := spibus.NewSimPin()
	bus := spibus.New(spibus.NewSimController(sdcard.NewSimulator(cs, img, sdcard.CardSDHC)), logger)
	dev := bus.Device("sdcard", spibus.Config{Frequency: 25_000_000, Mode: spibus.Mode0})

	card, err := sdcard.Open(dev, cs, sdcard.SleepDelay{}, &sdcard.Options{Logger: logger})
	if err != nil {
		panic(sderr.Wrap("open card", err))
	}

	m := fatfs.NewVolumeManager(card, fatfs.SystemClock{}, logger)
	data, err := m.ReadFile(0, os.Args[2], 512)
	if err != nil {
		panic(sderr.Wrap("read", err))
	}

	fmt.Print(string(data))
	fmt.Fprintf(os.Stderr, "%d bytes, %d sector reads, %d bus sessions\n",
		len(data), m.Stats().SectorReads, bus.Sessions())
}
