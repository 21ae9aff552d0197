// Demo sharer: starts a session and streams synthetic JPEG frames at a
// fixed rate. Real screen capture is out of scope for this repo; this
// binary exists to exercise the broker and the viewer end to end.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/klmarjun/TeamViewerClone/pkg/client"
)

func main() {
	server := flag.String("server", "ws://localhost:8080/ws", "Broker WebSocket URL")
	fps := flag.Int("fps", 10, "Frames per second")
	width := flag.Int("width", 640, "Frame width")
	height := flag.Int("height", 360, "Frame height")
	autoGrant := flag.Bool("auto-grant", false, "Grant control automatically on request")
	flag.Parse()

	c, err := client.Dial(*server)
	if err != nil {
		log.Fatalf("dial failed: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	code, err := c.StartSharing(ctx)
	cancel()
	if err != nil {
		log.Fatalf("start sharing failed: %v", err)
	}

	fmt.Printf("Session code: %s\n", code)
	fmt.Println("Share this code with viewers. Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(time.Second / time.Duration(*fps))
	defer ticker.Stop()

	frameNo := 0
	for {
		select {
		case <-sigCh:
			log.Println("stopping")
			return

		case ev, ok := <-c.Events():
			if !ok {
				log.Println("disconnected from broker")
				return
			}
			switch ev.Type {
			case "viewer-connected":
				log.Println("a viewer connected")
			case "control-request":
				log.Println("viewer requested remote control")
				if *autoGrant {
					if err := c.GrantControl(); err != nil {
						log.Printf("grant failed: %v", err)
					} else {
						log.Println("control granted")
					}
				}
			case "input":
				log.Printf("input event: %s", ev.Payload)
			}

		case <-ticker.C:
			frame, err := renderFrame(*width, *height, frameNo)
			if err != nil {
				log.Printf("frame encode failed: %v", err)
				continue
			}
			if err := c.SendFrame(frame); err != nil {
				log.Printf("frame send failed: %v", err)
				return
			}
			frameNo++
		}
	}
}

// renderFrame draws a moving vertical bar so viewers can see motion.
func renderFrame(width, height, n int) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	barX := (n * 8) % width

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			c := color.RGBA{R: 30, G: 30, B: 46, A: 255}
			if x >= barX && x < barX+24 {
				c = color.RGBA{R: 137, G: 180, B: 250, A: 255}
			}
			img.SetRGBA(x, y, c)
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 60}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
