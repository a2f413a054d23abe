package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"
)

//---------------- Main ----------------

// Exit codes, so supervisors can tell a bad layout from a missing panel
// from a panel that died mid-stream.
const (
	exitOK        = 0
	exitConfig    = 1
	exitNoDevice  = 2
	exitTransport = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	layoutPath := flag.String("layout", "layout.yaml", "scene layout file")
	flag.Parse()

	cfg, err := loadConfig(*layoutPath)
	if err != nil {
		log.Printf("failed to load layout: %v", err)
		return exitConfig
	}

	store := newAssetStore()
	if err := store.Load(cfg.Background, cfg.BackgroundFlip); err != nil {
		log.Printf("failed to load background: %v", err)
		return exitConfig
	}
	images := cfg.Images[:0]
	for _, im := range cfg.Images {
		if err := store.Load(im.Path, false); err != nil {
			log.Printf("skipping image layer %s: %v", im.Path, err)
			continue
		}
		images = append(images, im)
	}
	cfg.Images = images

	fonts := newFontCache(16)
	for _, ti := range cfg.Texts {
		if _, err := fonts.face(ti.Font, ti.Size); err != nil {
			log.Printf("text %q: %v", ti.Text, err)
		}
	}

	session, err := openSession(cfg.Iface)
	if err != nil {
		log.Printf("failed to open display: %v", err)
		return exitNoDevice
	}
	defer session.Close()

	// Stop takes effect after the in-flight frame; reload is acknowledged
	// and deliberately ignored.
	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	comp := newCompositor(cfg, store, fonts)
	metrics := newMetricsProvider()

	var period time.Duration
	if cfg.FPS > 0 {
		period = time.Second / time.Duration(cfg.FPS)
	}

	start := time.Now()
	frame := 0
	for {
		metrics.update(frame == 0 && period == 0)

		pix := comp.Render(metrics, time.Since(start))
		if err := session.SendFrame(pix); err != nil {
			log.Printf("frame %d: %v", frame, err)
			return exitTransport
		}
		frame++

		if period == 0 || cfg.Once {
			break
		}
		if !waitNextTick(sigCh, period) {
			break
		}
	}

	log.Printf("sent %d frame(s)", frame)
	return exitOK
}

// waitNextTick sleeps out the frame period. A stop signal cuts the sleep
// short so no further frame is rendered; reload requests are acknowledged
// and ignored. Returns false when the loop should end.
func waitNextTick(sigCh chan os.Signal, period time.Duration) bool {
	deadline := time.After(period)
	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				log.Printf("reload requested; layout reload is not supported, ignoring")
				continue
			}
			log.Printf("received %v, stopping after current frame", sig)
			return false
		case <-deadline:
			return true
		}
	}
}
